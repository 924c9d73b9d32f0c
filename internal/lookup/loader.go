package lookup

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"
	"golang.org/x/sync/errgroup"

	"planarian/api/internal/cave"
)

// Loader batches name lookups per kind. A Loader caches every result for its
// lifetime, so callers create one per review.
type Loader struct {
	loaders map[cave.LookupKind]*dataloader.Loader
}

func NewLoader(resolver Resolver, wait time.Duration) *Loader {
	loaders := map[cave.LookupKind]*dataloader.Loader{}
	for _, kind := range []cave.LookupKind{cave.LookupCounty, cave.LookupState, cave.LookupTag} {
		loaders[kind] = dataloader.NewBatchedLoader(batchFn(resolver, kind), dataloader.WithWait(wait))
	}
	return &Loader{loaders: loaders}
}

func batchFn(resolver Resolver, kind cave.LookupKind) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := keys.Keys()
		names, err := resolver.LookupNames(ctx, kind, ids)
		results := make([]*dataloader.Result, len(keys))
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}
		// Results must follow key order; misses carry nil data.
		for i, id := range ids {
			if name, ok := names[id]; ok {
				results[i] = &dataloader.Result{Data: name}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}
}

// LoadNames resolves ids of one kind. Missing names are left out of the map.
func (l *Loader) LoadNames(ctx context.Context, kind cave.LookupKind, ids []string) (map[string]string, error) {
	loader, ok := l.loaders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown lookup kind %q", kind)
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	keys := dataloader.NewKeysFromStrings(ids)
	values, errs := loader.LoadMany(ctx, keys)()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("load %s names: %w", kind, err)
		}
	}
	out := make(map[string]string, len(ids))
	for i, value := range values {
		if name, ok := value.(string); ok {
			out[ids[i]] = name
		}
	}
	return out, nil
}

// Prefetch resolves every ID referenced by the given graphs into one table.
// Kinds are loaded concurrently; the first failure cancels the rest.
func Prefetch(ctx context.Context, resolver Resolver, graphs ...*cave.Graph) (*Table, error) {
	wanted := map[cave.LookupKind][]string{}
	seen := map[cave.LookupKind]map[string]struct{}{}
	for _, graph := range graphs {
		for kind, ids := range graph.ReferencedIDs() {
			if seen[kind] == nil {
				seen[kind] = map[string]struct{}{}
			}
			for _, id := range ids {
				if _, ok := seen[kind][id]; ok {
					continue
				}
				seen[kind][id] = struct{}{}
				wanted[kind] = append(wanted[kind], id)
			}
		}
	}

	table := NewTable()
	loader := NewLoader(resolver, 5*time.Millisecond)
	group, groupCtx := errgroup.WithContext(ctx)
	for kind, ids := range wanted {
		group.Go(func() error {
			names, err := loader.LoadNames(groupCtx, kind, ids)
			if err != nil {
				return err
			}
			for id, name := range names {
				table.Add(kind, id, name)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("prefetch names: %w", err)
	}
	return table, nil
}
