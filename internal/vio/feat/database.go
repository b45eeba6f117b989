package feat

import "sync"

// FeatureDatabase is the concurrent map from landmark id to Feature shared
// by the tracking front-end (producer) and the filter (consumer). A single
// mutex covers every public method.
//
// Queries take a remove flag: with remove the matched features are erased
// from the map in the same critical section and ownership transfers to the
// caller; without it the caller receives deep copies and must not assume
// they track later appends.
type FeatureDatabase struct {
	mu       sync.Mutex
	features map[int]*Feature
}

// NewFeatureDatabase creates an empty database.
func NewFeatureDatabase() *FeatureDatabase {
	return &FeatureDatabase{features: make(map[int]*Feature)}
}

// UpdateFeature appends a measurement to the feature with the given id,
// creating the feature if this is the first time the id is seen.
func (db *FeatureDatabase) UpdateFeature(id int, timestamp float64, camID int, u, v, un, vn float64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.features[id]
	if !ok {
		f = NewFeature(id)
		db.features[id] = f
	}
	f.Append(camID, timestamp, [2]float64{u, v}, [2]float64{un, vn})
}

// GetFeature returns the feature with the given id, or nil. With remove the
// entry is erased and the original is returned; otherwise a copy.
func (db *FeatureDatabase) GetFeature(id int, remove bool) *Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.features[id]
	if !ok {
		return nil
	}
	if remove {
		delete(db.features, id)
		return f
	}
	return f.clone()
}

// FeaturesNotContainingNewer returns every feature whose latest observation
// in every camera is strictly older than timestamp, i.e. landmarks that
// have dropped out of tracking.
func (db *FeatureDatabase) FeaturesNotContainingNewer(timestamp float64, remove bool) []*Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*Feature
	for id, f := range db.features {
		hasNewer := false
		for _, ts := range f.Timestamps {
			if len(ts) > 0 && ts[len(ts)-1] >= timestamp {
				hasNewer = true
				break
			}
		}
		if !hasNewer {
			out = append(out, db.take(id, f, remove))
		}
	}
	return out
}

// FeaturesContainingOlder returns every feature with at least one
// observation strictly older than timestamp.
func (db *FeatureDatabase) FeaturesContainingOlder(timestamp float64, remove bool) []*Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*Feature
	for id, f := range db.features {
		hasOlder := false
		for _, ts := range f.Timestamps {
			if len(ts) > 0 && ts[0] < timestamp {
				hasOlder = true
				break
			}
		}
		if hasOlder {
			out = append(out, db.take(id, f, remove))
		}
	}
	return out
}

// FeaturesContaining returns every feature with an observation at exactly
// timestamp, used to collect the measurements of a specific clone.
func (db *FeatureDatabase) FeaturesContaining(timestamp float64, remove bool) []*Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*Feature
	for id, f := range db.features {
		has := false
		for _, ts := range f.Timestamps {
			for _, t := range ts {
				if t == timestamp {
					has = true
					break
				}
			}
			if has {
				break
			}
		}
		if has {
			out = append(out, db.take(id, f, remove))
		}
	}
	return out
}

// MarkToDelete flags the stored features with the given ids for removal at
// the next Cleanup. Since non-removing queries hand out copies, this is how
// the filter reports consumed features back to the database.
func (db *FeatureDatabase) MarkToDelete(ids ...int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, id := range ids {
		if f, ok := db.features[id]; ok {
			f.ToDelete = true
		}
	}
}

// Cleanup frees every feature whose ToDelete flag is set.
func (db *FeatureDatabase) Cleanup() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, f := range db.features {
		if f.ToDelete {
			delete(db.features, id)
		}
	}
}

// Size returns the number of tracked features.
func (db *FeatureDatabase) Size() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.features)
}

// take implements the remove-or-copy ownership rule. Callers must hold mu.
func (db *FeatureDatabase) take(id int, f *Feature, remove bool) *Feature {
	if remove {
		delete(db.features, id)
		return f
	}
	return f.clone()
}
