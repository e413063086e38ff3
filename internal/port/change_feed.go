package port

import "context"

type ChangeNotifier interface {
	// NotifyChange announces that a document in a collection was written
	NotifyChange(ctx context.Context, collection, id string) error
}

type ChangeFeed interface {
	ChangeNotifier

	// Changes streams ids of written documents until ctx is done or cancel is called
	Changes(ctx context.Context, collection string) (<-chan string, func(), error)
}
