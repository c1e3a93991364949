package app

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/hydrate"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/relayerror"
	"github.com/Hubmakerlabs/federatr/pkg/reqmeister"
	"github.com/Hubmakerlabs/federatr/pkg/tags"
	"github.com/nbd-wtf/go-nostr"
)

// MaxHashtags is how many t tags of one event count towards trends.
const MaxHashtags = 5

func one(f nostr.Filter) filter.Filters { return filter.Filters{filter.New(f)} }

// isDeleted reports whether the admin or the author has a stored deletion
// naming ev.
func (p *Pipeline) isDeleted(c context.Context, ev *nostr.Event) (deleted bool,
	err error) {

	authors := []string{ev.PubKey}
	if admin := p.adminPubkey(); admin != "" && admin != ev.PubKey {
		authors = append(authors, admin)
	}
	var n int64
	if n, err = p.DB.Count(c, one(nostr.Filter{
		Kinds:   []int{kind.Deletion},
		Authors: authors,
		Tags:    nostr.TagMap{"e": []string{ev.ID}},
		Limit:   1,
	})); err != nil {
		return
	}
	return n > 0, nil
}

func (p *Pipeline) eligible(c context.Context, e *event) (ok bool, err error) {
	if e.wanted || e.user != nil || e.Kind == kind.RegistrationRequest ||
		(e.PubKey != "" && e.PubKey == p.adminPubkey()) {
		return true, nil
	}
	return p.IsLocallyFollowed(c, e.PubKey)
}

// persist stores the event when its author or kind entitles it to be kept,
// unless a deletion for it is already known.
func (p *Pipeline) persist(c context.Context, e *event) (err error) {
	if kind.IsEphemeral(e.Kind) {
		return
	}
	var ok bool
	if ok, err = p.eligible(c, e); err != nil {
		return
	}
	if !ok {
		return relayerror.NewBlocked("only registered users can post")
	}
	var deleted bool
	if deleted, err = p.isDeleted(c, e.Event); err != nil {
		return
	}
	if deleted {
		return relayerror.NewBlocked("event was deleted")
	}
	var wg sync.WaitGroup
	var writeErr, statsErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		if writeErr = p.DB.Write(c, e.Event); errors.Is(writeErr, eventstore.ErrDupEvent) {
			writeErr = nil
		}
	}()
	go func() {
		defer wg.Done()
		_, statsErr = p.DB.UpdateStats(c, e.Event)
	}()
	wg.Wait()
	chk.D(statsErr)
	if writeErr != nil {
		return writeErr
	}
	// a deletion may have been stored while this write was in flight
	if deleted, err = p.isDeleted(c, e.Event); err != nil {
		return
	}
	if deleted {
		if err = p.Store.Remove(c, one(nostr.Filter{IDs: []string{e.ID}})); err != nil {
			return
		}
		return relayerror.NewBlocked("event was deleted")
	}
	return
}

// processDeletions removes what a deletion event names: anything, when the
// admin signed it, otherwise only the signer's own events.
func (p *Pipeline) processDeletions(c context.Context, e *event) (err error) {
	if e.Kind != kind.Deletion {
		return
	}
	ids := tags.Values(e.Tags, "e")
	if len(ids) == 0 {
		return
	}
	f := nostr.Filter{IDs: ids}
	if e.PubKey != p.adminPubkey() {
		f.Authors = []string{e.PubKey}
	}
	return p.Store.Remove(c, one(f))
}

func (p *Pipeline) trackRelays(_ context.Context, e *event) (err error) {
	urls := tags.RelayHints(e.Event, kind.RelayList)
	if len(urls) == 0 {
		return
	}
	var added []string
	if added, err = p.DB.AddRelays(urls...); err != nil {
		return
	}
	if len(added) > 0 {
		log.T.F("learned relays %v", added)
	}
	return
}

// trackHashtags records usage for trends. Failures are ignored.
func (p *Pipeline) trackHashtags(_ context.Context, e *event) (err error) {
	hashtags := tags.Values(e.Tags, "t")
	if len(hashtags) == 0 {
		return
	}
	if len(hashtags) > MaxHashtags {
		hashtags = hashtags[:MaxHashtags]
	}
	if err := p.DB.AddTagUsages(e.PubKey, hashtags, e.CreatedAt.Time()); err != nil {
		log.T.Ln("tracking hashtags:", err)
	}
	return
}

// fetchRelated asks peers for the author's profile when the author is not
// local, and for every referenced event not yet seen.
func (p *Pipeline) fetchRelated(_ context.Context, e *event) (err error) {
	if p.Reqmeister == nil {
		return
	}
	if e.user == nil {
		p.Reqmeister.Want(reqmeister.Want{Author: e.PubKey})
	}
	for _, t := range e.Tags {
		if len(t) < 2 || t[0] != "e" || p.Cache.Has(t[1]) {
			continue
		}
		w := reqmeister.Want{ID: t[1]}
		if len(t) >= 3 && t[2] != "" {
			w.Relays = []string{t[2]}
		}
		p.Reqmeister.Want(w)
	}
	return
}

// processMedia marks uploads a local user's event references as attached.
func (p *Pipeline) processMedia(_ context.Context, e *event) (err error) {
	if e.user == nil {
		return
	}
	urls := tags.Values(e.Tags, "media")
	if len(urls) == 0 {
		return
	}
	var n int
	if n, err = p.DB.DeleteAttachedMedia(e.PubKey, urls); err != nil {
		return
	}
	log.T.F("%d uploads attached by %s", n, e.ID)
	return
}

// registerUser answers a registration request with either a user record and
// an acceptance, or a rejection when the pubkey is already registered.
func (p *Pipeline) registerUser(c context.Context, e *event) (err error) {
	if e.Kind != kind.RegistrationRequest || p.Admin == nil {
		return
	}
	var n int64
	if n, err = p.DB.Count(c, one(nostr.Filter{
		Kinds:   []int{kind.UserRecord},
		Authors: []string{p.adminPubkey()},
		Tags:    nostr.TagMap{"d": []string{e.PubKey}},
		Limit:   1,
	})); err != nil {
		return
	}
	now := nostr.Timestamp(p.now().Unix())
	if n > 0 {
		feedback := &nostr.Event{
			Kind:      kind.JobFeedback,
			CreatedAt: now,
			Tags: nostr.Tags{
				{"status", "error", "User already exists"},
				{"e", e.ID},
				{"p", e.PubKey},
			},
		}
		if err = p.Admin.Sign(c, feedback); err != nil {
			return
		}
		return p.resubmit(c, feedback)
	}
	user := &nostr.Event{
		Kind:      kind.UserRecord,
		CreatedAt: now,
		Tags:      nostr.Tags{{"d", e.PubKey}},
	}
	var req []byte
	if req, err = hydrate.Dehydrate(e.Event).MarshalJSON(); err != nil {
		return
	}
	resp := &nostr.Event{
		Kind:      kind.RegistrationResponse,
		CreatedAt: now,
		Content:   p.RelayURL,
		Tags: nostr.Tags{
			{"request", string(req)},
			{"i", p.RelayURL, "text"},
			{"p", e.PubKey},
			{"e", e.ID},
		},
	}
	for _, ev := range []*nostr.Event{user, resp} {
		if err = p.Admin.Sign(c, ev); err != nil {
			return
		}
	}
	return p.resubmit(c, user, resp)
}

type walletRequest struct {
	Method string `json:"method"`
	Params struct {
		Invoice string `json:"invoice"`
	} `json:"params"`
}

// payZap turns a local user's zap request into an invoice and a wallet
// request the user's wallet can pay.
func (p *Pipeline) payZap(c context.Context, e *event) (err error) {
	if e.Kind != kind.ZapRequest || e.user == nil || p.LNURL == nil ||
		p.Admin == nil {
		return
	}
	ln, _ := tags.First(e.Tags, "lnurl")
	amt, _ := tags.First(e.Tags, "amount")
	amount, perr := strconv.ParseInt(amt, 10, 64)
	if ln == "" || perr != nil || amount <= 0 {
		return
	}
	params, err := p.LNURL.Params(c, ln)
	if err != nil {
		return
	}
	if err = params.Accepts(amount); err != nil {
		return
	}
	var zr []byte
	if zr, err = hydrate.Dehydrate(e.Event).MarshalJSON(); err != nil {
		return
	}
	var pr string
	if pr, err = p.LNURL.Invoice(c, params, amount, string(zr), ln); err != nil {
		return
	}
	var wr walletRequest
	wr.Method = "pay_invoice"
	wr.Params.Invoice = pr
	var b []byte
	if b, err = json.Marshal(wr); err != nil {
		return
	}
	req := &nostr.Event{
		Kind:      kind.WalletRequest,
		CreatedAt: nostr.Timestamp(p.now().Unix()),
		Tags:      nostr.Tags{{"p", e.PubKey}, {"e", e.ID}},
	}
	if req.Content, err = p.Admin.Encrypt(c, e.PubKey, string(b)); err != nil {
		return
	}
	if err = p.Admin.Sign(c, req); err != nil {
		return
	}
	return p.resubmit(c, req)
}

func (p *Pipeline) streamOut(_ context.Context, e *event) (err error) {
	if p.Registry == nil || !p.fresh(e.Event) {
		return
	}
	if n := p.Registry.Broadcast(e.Event); n > 0 {
		log.T.F("%s pushed to %d subscriptions", e.ID, n)
	}
	return
}

// broadcast forwards fresh deletions by local users to peers.
func (p *Pipeline) broadcast(c context.Context, e *event) (err error) {
	if p.Federated == nil || e.user == nil || e.Kind != kind.Deletion ||
		!p.fresh(e.Event) {
		return
	}
	return p.Federated.Write(c, e.Event)
}
