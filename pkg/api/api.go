// Package api is a thin read-only JSON API over the event store: single
// statuses with their thread context, timelines, accounts and trending
// hashtags. Every response carries hydrated events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/badger"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/hydrate"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/signer"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/Hubmakerlabs/federatr/pkg/thread"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

const (
	DefaultLimit  = 20
	MaxLimit      = 40
	TrendDays     = 7
	// DefaultLookupTimeout bounds how long single lookups wait on peers.
	DefaultLookupTimeout = time.Second
)

// Durable is the part of the database the API reads directly.
type Durable interface {
	hydrate.Stats
	TrendingTags(since, until time.Time, limit int) ([]badger.TagTrend, error)
}

// FeedResolver lists the authors whose notes make up a user's home feed.
type FeedResolver func(c context.Context, pubkey string) ([]string, error)

type Server struct {
	Store   eventstore.Store
	DB      Durable
	Threads *thread.Resolver
	Feeds   FeedResolver
	// Admin signs the user records attached to accounts.
	Admin string
	Now   func() time.Time
	// LookupTimeout overrides DefaultLookupTimeout when set.
	LookupTimeout time.Duration
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/statuses/{id}", s.status)
	mux.HandleFunc("GET /api/v1/statuses/{id}/context", s.statusContext)
	mux.HandleFunc("GET /api/v1/timelines/public", s.publicTimeline)
	mux.HandleFunc("GET /api/v1/timelines/tag/{hashtag}", s.hashtagTimeline)
	mux.HandleFunc("GET /api/v1/timelines/home", s.homeTimeline)
	mux.HandleFunc("GET /api/v1/accounts/{pubkey}", s.account)
	mux.HandleFunc("GET /api/v1/trends", s.trends)
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) options() hydrate.Options {
	o := hydrate.Options{Store: s.Store, Admin: s.Admin}
	if s.DB != nil {
		o.Stats = s.DB
	}
	return o
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	chk.D(json.NewEncoder(w).Encode(v))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// failed answers for a store error, distinguishing a client that went away.
func failed(w http.ResponseWriter, r *http.Request, err error) {
	if eventstore.IsCanceled(err) && r.Context().Err() != nil {
		return
	}
	log.D.Ln(r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// first returns the best match for f, asking peers when no local source has
// one. The whole lookup shares one timeout; peers that run out of it count as
// having nothing.
func (s *Server) first(c context.Context, f nostr.Filter) (ev *nostr.Event,
	err error) {

	timeout := s.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	fc, cancel := context.WithTimeout(c, timeout)
	defer cancel()
	ff := filter.Filters{filter.New(f)}
	var evs []*nostr.Event
	if evs, err = s.Store.Query(fc, ff, eventstore.WithLimit(1)); err == nil &&
		len(evs) == 0 {

		evs, err = s.Store.Query(fc, ff, eventstore.WithLimit(1),
			eventstore.WithFederation(true))
	}
	if err != nil {
		if eventstore.IsCanceled(err) && c.Err() == nil {
			log.D.Ln("lookup gave up on peers:", err)
			err = nil
		}
		return
	}
	if len(evs) == 0 {
		return
	}
	return evs[0], nil
}

// lookup finds one event by id.
func (s *Server) lookup(c context.Context, id string) (ev *nostr.Event,
	err error) {

	return s.first(c, nostr.Filter{IDs: []string{id}})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ev, err := s.lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		failed(w, r, err)
		return
	}
	if ev == nil || ev.Kind != kind.TextNote {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	var h *hydrate.Event
	if h, err = hydrate.One(r.Context(), s.options(), ev, hydrate.Author,
		hydrate.User, hydrate.AuthorStats, hydrate.EventStats); err != nil {
		failed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type threadContext struct {
	Ancestors   []*hydrate.Event `json:"ancestors"`
	Descendants []*hydrate.Event `json:"descendants"`
}

func (s *Server) statusContext(w http.ResponseWriter, r *http.Request) {
	c := r.Context()
	ev, err := s.lookup(c, r.PathValue("id"))
	if err != nil {
		failed(w, r, err)
		return
	}
	if ev == nil || ev.Kind != kind.TextNote {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	var tc threadContext
	if tc.Ancestors, err = hydrate.Events(c, s.options(),
		s.Threads.Ancestors(c, ev), hydrate.Author,
		hydrate.EventStats); err != nil {
		failed(w, r, err)
		return
	}
	if tc.Descendants, err = hydrate.Events(c, s.options(),
		s.Threads.Descendants(c, ev.ID), hydrate.Author,
		hydrate.EventStats); err != nil {
		failed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// page reads since, until and limit from the query string into f.
func page(r *http.Request, f *nostr.Filter) {
	q := r.URL.Query()
	if v, err := strconv.ParseInt(q.Get("since"), 10, 64); err == nil {
		ts := nostr.Timestamp(v)
		f.Since = &ts
	}
	if v, err := strconv.ParseInt(q.Get("until"), 10, 64); err == nil {
		ts := nostr.Timestamp(v)
		f.Until = &ts
	}
	f.Limit = DefaultLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		f.Limit = min(v, MaxLimit)
	}
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request, f filter.T) {
	page(r, &f.Filter)
	evs, err := s.Store.Query(r.Context(), filter.Filters{f},
		eventstore.WithLimit(f.Limit))
	if err != nil {
		failed(w, r, err)
		return
	}
	var out []*hydrate.Event
	if out, err = hydrate.Events(r.Context(), s.options(), evs,
		hydrate.Author, hydrate.EventStats); err != nil {
		failed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) publicTimeline(w http.ResponseWriter, r *http.Request) {
	f := filter.New(nostr.Filter{Kinds: []int{kind.TextNote}})
	f.Local = r.URL.Query().Get("local") == "true"
	s.timeline(w, r, f)
}

func (s *Server) hashtagTimeline(w http.ResponseWriter, r *http.Request) {
	f := filter.New(nostr.Filter{
		Kinds: []int{kind.TextNote},
		Tags:  nostr.TagMap{"t": []string{r.PathValue("hashtag")}},
	})
	f.Local = r.URL.Query().Get("local") == "true"
	s.timeline(w, r, f)
}

func (s *Server) homeTimeline(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := signer.ParsePubkey(r.URL.Query().Get("pubkey"))
	if !ok {
		writeError(w, http.StatusBadRequest, "pubkey required")
		return
	}
	authors := []string{pubkey}
	if s.Feeds != nil {
		var err error
		if authors, err = s.Feeds(r.Context(), pubkey); err != nil {
			failed(w, r, err)
			return
		}
	}
	s.timeline(w, r, filter.New(nostr.Filter{
		Kinds:   []int{kind.TextNote},
		Authors: authors,
	}))
}

type account struct {
	Pubkey  string             `json:"pubkey"`
	Profile *nostr.Event       `json:"profile,omitempty"`
	User    *nostr.Event       `json:"user,omitempty"`
	Stats   *badger.AuthorStat `json:"stats,omitempty"`
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := signer.ParsePubkey(r.PathValue("pubkey"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pubkey")
		return
	}
	profile, err := s.first(r.Context(), nostr.Filter{
		Kinds:   []int{kind.Metadata},
		Authors: []string{pubkey},
	})
	if err != nil {
		failed(w, r, err)
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	var h *hydrate.Event
	if h, err = hydrate.One(r.Context(), s.options(), profile, hydrate.User,
		hydrate.AuthorStats); err != nil {
		failed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account{
		Pubkey:  pubkey,
		Profile: hydrate.Dehydrate(profile),
		User:    h.User,
		Stats:   h.AuthorStats,
	})
}

func (s *Server) trends(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, MaxLimit)
	}
	now := s.now()
	trends, err := s.DB.TrendingTags(now.AddDate(0, 0, -TrendDays), now, limit)
	if err != nil {
		failed(w, r, err)
		return
	}
	if trends == nil {
		trends = []badger.TagTrend{}
	}
	writeJSON(w, http.StatusOK, trends)
}
