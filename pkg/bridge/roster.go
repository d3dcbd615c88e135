// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/matterlink/pkg/store"
)

// linkKeyPrefix namespaces roster entries in the record store.
const linkKeyPrefix = "link:"

// Link is one relayed channel pair.
type Link struct {
	MatrixRoom        string `json:"matrix_room"`
	MattermostChannel string `json:"mattermost_channel"`
}

// Roster owns the channel-link mapping in both directions. It is bounded by
// construction (links are operator-provisioned, not user traffic) and is
// the sole mutator of its maps. Store writes are best-effort: in-memory
// state stays authoritative until restart.
type Roster struct {
	st  store.RecordStore
	log zerolog.Logger

	mu           sync.RWMutex
	byMatrix     map[string]Link
	byMattermost map[string]Link
}

// NewRoster creates an empty roster persisting through st (which may be nil
// for ephemeral runs).
func NewRoster(st store.RecordStore, log zerolog.Logger) *Roster {
	return &Roster{
		st:           st,
		log:          log.With().Str("component", "roster").Logger(),
		byMatrix:     make(map[string]Link),
		byMattermost: make(map[string]Link),
	}
}

// Load restores persisted links and layers the configured ones on top.
func (r *Roster) Load(ctx context.Context, configured []LinkConfig) {
	if r.st != nil {
		records, err := r.st.ListAll(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to load persisted links")
		} else {
			for key, value := range records {
				if !strings.HasPrefix(key, linkKeyPrefix) {
					continue
				}
				var link Link
				if err := json.Unmarshal([]byte(value), &link); err != nil {
					r.log.Warn().Err(err).Str("key", key).Msg("Skipping corrupt link record")
					continue
				}
				r.addInMemory(link)
			}
		}
	}

	for _, lc := range configured {
		r.Add(ctx, Link{MatrixRoom: lc.MatrixRoom, MattermostChannel: lc.MattermostChannel})
	}
}

// Add registers a link and persists it. Store failures are logged and
// otherwise ignored.
func (r *Roster) Add(ctx context.Context, link Link) {
	if link.MatrixRoom == "" || link.MattermostChannel == "" {
		return
	}
	r.addInMemory(link)

	if r.st == nil {
		return
	}
	encoded, err := json.Marshal(link)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to encode link")
		return
	}
	if err := r.st.Save(ctx, linkKeyPrefix+link.MatrixRoom, string(encoded)); err != nil {
		r.log.Warn().Err(err).Str("matrix_room", link.MatrixRoom).Msg("Failed to persist link")
	}
}

func (r *Roster) addInMemory(link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMatrix[link.MatrixRoom] = link
	r.byMattermost[link.MattermostChannel] = link
}

// MattermostFor maps a Matrix room to its Mattermost channel.
func (r *Roster) MattermostFor(matrixRoom string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.byMatrix[matrixRoom]
	return link.MattermostChannel, ok
}

// MatrixFor maps a Mattermost channel to its Matrix room.
func (r *Roster) MatrixFor(mattermostChannel string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.byMattermost[mattermostChannel]
	return link.MatrixRoom, ok
}

// Size returns the number of links.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMatrix)
}
