package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

// MenuService owns the catalog. Reads go through the cache; writes go
// through to it, and cache fills never replace an entry.
type MenuService struct {
	repo  port.MenuRepository
	cache port.CacheRepository
	feed  port.ChangeFeed
	bc    broadcaster
	log   *slog.Logger
}

func NewMenuService(repo port.MenuRepository, cache port.CacheRepository, feed port.ChangeFeed, log *slog.Logger) *MenuService {
	return &MenuService{
		repo:  repo,
		cache: cache,
		feed:  feed,
		bc:    broadcaster{feed: feed, log: log},
		log:   log,
	}
}

func (s *MenuService) GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.NewValidationError("menu_item", "", "id is required")
	}

	if s.cache != nil {
		item, err := s.cache.GetMenuItem(ctx, id)
		if err != nil {
			s.log.Warn("menu_cache_read_failed", "menu_item_id", id, "err", err)
		} else if item != nil {
			return item, nil
		}
	}

	item, err := s.repo.GetMenuItem(ctx, id)
	if err != nil {
		return nil, wrapStore("get menu item", err)
	}
	if item == nil {
		return nil, domain.NewNotFoundError("menu_item", id)
	}

	if s.cache != nil {
		if _, err := s.cache.AddMenuItem(ctx, *item); err != nil {
			s.log.Warn("menu_cache_fill_failed", "menu_item_id", id, "err", err)
		}
	}
	return item, nil
}

func (s *MenuService) ListMenu(ctx context.Context, category string) ([]domain.MenuItem, error) {
	items, err := s.repo.ListMenuItems(ctx, category)
	if err != nil {
		return nil, wrapStore("list menu items", err)
	}
	return items, nil
}

// SearchMenu matches query against item names and descriptions, ignoring
// case and Vietnamese diacritics. An empty query returns the whole menu.
func (s *MenuService) SearchMenu(ctx context.Context, query string) ([]domain.MenuItem, error) {
	items, err := s.repo.ListMenuItems(ctx, "")
	if err != nil {
		return nil, wrapStore("list menu items", err)
	}
	needle := foldSearch(strings.TrimSpace(query))
	if needle == "" {
		return items, nil
	}

	out := make([]domain.MenuItem, 0, len(items))
	for _, it := range items {
		if strings.Contains(foldSearch(it.Name), needle) || strings.Contains(foldSearch(it.Description), needle) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *MenuService) ListCategories(ctx context.Context) ([]domain.Category, error) {
	cats, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, wrapStore("list categories", err)
	}
	return cats, nil
}

func (s *MenuService) SaveMenuItem(ctx context.Context, item domain.MenuItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := s.repo.UpsertMenuItem(ctx, item); err != nil {
		return wrapStore("upsert menu item", err)
	}
	s.writeThrough(ctx, item)
	s.bc.changed(ctx, domain.CollectionMenu, item.ID)
	return nil
}

func (s *MenuService) DeleteMenuItem(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.NewValidationError("menu_item", "", "id is required")
	}
	removed, err := s.repo.RemoveMenuItem(ctx, id)
	if err != nil {
		return wrapStore("delete menu item", err)
	}
	if !removed {
		return domain.NewNotFoundError("menu_item", id)
	}
	s.evict(ctx, id)
	s.bc.changed(ctx, domain.CollectionMenu, id)
	s.log.Info("menu_item_deleted", "menu_item_id", id)
	return nil
}

func (s *MenuService) SaveCategory(ctx context.Context, c domain.Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.repo.UpsertCategory(ctx, c); err != nil {
		return wrapStore("upsert category", err)
	}
	s.bc.changed(ctx, domain.CollectionCategories, c.ID)
	return nil
}

// DeleteCategory refuses while any menu item still points at the category.
func (s *MenuService) DeleteCategory(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.NewValidationError("category", "", "id is required")
	}
	items, err := s.repo.ListMenuItems(ctx, id)
	if err != nil {
		return wrapStore("list menu items", err)
	}
	if len(items) > 0 {
		return domain.NewInvalidStateError("category", id, "IN_USE",
			fmt.Sprintf("%d menu items still belong to this category", len(items)))
	}
	removed, err := s.repo.RemoveCategory(ctx, id)
	if err != nil {
		return wrapStore("delete category", err)
	}
	if !removed {
		return domain.NewNotFoundError("category", id)
	}
	s.bc.changed(ctx, domain.CollectionCategories, id)
	return nil
}

func (s *MenuService) SetAvailability(ctx context.Context, id string, available bool) (*domain.MenuItem, error) {
	item, err := s.repo.GetMenuItem(ctx, id)
	if err != nil {
		return nil, wrapStore("get menu item", err)
	}
	if item == nil {
		return nil, domain.NewNotFoundError("menu_item", id)
	}
	item.Available = available
	if err := s.SaveMenuItem(ctx, *item); err != nil {
		return nil, err
	}
	return item, nil
}

// Seed writes categories and items, replacing any with the same id.
func (s *MenuService) Seed(ctx context.Context, categories []domain.Category, items []domain.MenuItem) error {
	for _, c := range categories {
		if err := s.SaveCategory(ctx, c); err != nil {
			return err
		}
	}
	for _, it := range items {
		if err := s.SaveMenuItem(ctx, it); err != nil {
			return err
		}
	}
	s.log.Info("menu_seeded", "categories", len(categories), "items", len(items))
	return nil
}

func (s *MenuService) WatchMenu(ctx context.Context, category string, onChange func([]domain.MenuItem)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionMenu, func(ctx context.Context) ([]domain.MenuItem, error) {
		return s.ListMenu(ctx, category)
	}, onChange)
}

func (s *MenuService) WatchCategories(ctx context.Context, onChange func([]domain.Category)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionCategories, s.ListCategories, onChange)
}

// writeThrough replaces the cached copy after a write. If that fails the
// entry is dropped so the next read refills it from the store.
func (s *MenuService) writeThrough(ctx context.Context, item domain.MenuItem) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetMenuItem(ctx, item); err != nil {
		s.log.Warn("menu_cache_write_failed", "menu_item_id", item.ID, "err", err)
		s.evict(ctx, item.ID)
	}
}

func (s *MenuService) evict(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteMenuItem(ctx, id); err != nil {
		s.log.Warn("menu_cache_evict_failed", "menu_item_id", id, "err", err)
	}
}

// foldSearch lowercases s and strips diacritics so "pho" matches "Phở".
func foldSearch(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.ReplaceAll(out, "đ", "d")
}
