package wavebar

import "sort"

// GraphCache indexes every audio output stream currently known to exist,
// whether or not it matches a target. It is owned by the visualizer's event
// loop and is not safe for concurrent use.
type GraphCache struct {
	objects map[uint32]GraphObjectRecord
}

// NewGraphCache creates an empty cache
func NewGraphCache() *GraphCache {
	return &GraphCache{objects: make(map[uint32]GraphObjectRecord)}
}

// Insert adds or replaces the record for rec.ObjectID
func (gc *GraphCache) Insert(rec GraphObjectRecord) {
	gc.objects[rec.ObjectID] = rec
}

// Remove drops the record for id and returns what was stored, if anything
func (gc *GraphCache) Remove(id uint32) (GraphObjectRecord, bool) {
	rec, ok := gc.objects[id]
	if ok {
		delete(gc.objects, id)
	}

	return rec, ok
}

// Lookup returns the record stored for id
func (gc *GraphCache) Lookup(id uint32) (GraphObjectRecord, bool) {
	rec, ok := gc.objects[id]
	return rec, ok
}

// Len returns the number of cached streams
func (gc *GraphCache) Len() int {
	return len(gc.objects)
}

// FindBySerial returns the stream carrying the given serial
func (gc *GraphCache) FindBySerial(serial int32) (GraphObjectRecord, bool) {
	if serial < 0 {
		return GraphObjectRecord{}, false
	}

	return gc.first(func(rec GraphObjectRecord) bool {
		return rec.StreamSerial == serial
	})
}

// FindByAppName returns the lowest-id stream whose application name
// contains name, ignoring case
func (gc *GraphCache) FindByAppName(name string) (GraphObjectRecord, bool) {
	if name == "" {
		return GraphObjectRecord{}, false
	}

	return gc.first(func(rec GraphObjectRecord) bool {
		return appNameMatches(rec.AppName, name)
	})
}

// first scans in ascending object id order so repeated lookups agree
func (gc *GraphCache) first(match func(GraphObjectRecord) bool) (GraphObjectRecord, bool) {
	ids := make([]uint32, 0, len(gc.objects))
	for id := range gc.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if rec := gc.objects[id]; match(rec) {
			return rec, true
		}
	}

	return GraphObjectRecord{}, false
}

// CacheMatcher answers StreamMatcher queries from a GraphCache. The graph
// does not carry process ids, so only the name hint can match.
type CacheMatcher struct {
	cache *GraphCache
}

// FindStream implements StreamMatcher
func (cm CacheMatcher) FindStream(_ uint32, appNameHint string) ResolvedTarget {
	rec, ok := cm.cache.FindByAppName(appNameHint)
	if !ok {
		return unresolvedTarget()
	}

	return resolvedFrom(rec)
}

func resolvedFrom(rec GraphObjectRecord) ResolvedTarget {
	return ResolvedTarget{
		StreamSerial:   rec.StreamSerial,
		OutputDeviceID: rec.OutputDeviceID,
		Found:          true,
	}
}
