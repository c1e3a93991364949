// Package lnurl resolves LNURL-pay endpoints and requests invoices from them
// for zap requests.
package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/cespare/xxhash/v2"
	ristretto "github.com/fiatjaf/generic-ristretto"
	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrNoNostr        = errors.New("endpoint does not accept nostr zaps")
	ErrAmountOutRange = errors.New("amount outside the endpoint's sendable range")
)

// Decode turns a bech32 lnurl, a lightning address or a URL into the https
// URL of the pay endpoint.
func Decode(lnurl string) (u string, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(lnurl), "lightning:")
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "lnurl1"):
		var hrp string
		var data []byte
		if hrp, data, err = bech32.DecodeNoLimit(lower); err != nil {
			return
		}
		if hrp != "lnurl" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", hrp)
		}
		var b []byte
		if b, err = bech32.ConvertBits(data, 5, 8, false); err != nil {
			return
		}
		u = string(b)
	case strings.Contains(s, "@") && !strings.Contains(s, "/"):
		name, domain, _ := strings.Cut(s, "@")
		if name == "" || domain == "" {
			return "", fmt.Errorf("malformed lightning address %q", s)
		}
		u = "https://" + domain + "/.well-known/lnurlp/" + name
	case strings.HasPrefix(lower, "lnurlp://"):
		u = "https://" + s[len("lnurlp://"):]
	default:
		u = s
	}
	var parsed *url.URL
	if parsed, err = url.Parse(u); err != nil {
		return
	}
	if parsed.Scheme != "https" || parsed.Host == "" {
		return "", fmt.Errorf("pay endpoint must be https: %q", u)
	}
	return
}

// Encode gives the bech32 lnurl for an endpoint URL.
func Encode(u string) (lnurl string, err error) {
	var data []byte
	if data, err = bech32.ConvertBits([]byte(u), 8, 5, true); err != nil {
		return
	}
	return bech32.Encode("lnurl", data)
}

// PayParams is the first response of an LNURL-pay endpoint.
type PayParams struct {
	Tag         string `json:"tag" validate:"eq=payRequest"`
	Callback    string `json:"callback" validate:"required,url"`
	MinSendable int64  `json:"minSendable" validate:"gte=0"`
	MaxSendable int64  `json:"maxSendable" validate:"gtefield=MinSendable"`
	Metadata    string `json:"metadata"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey"`
}

// Accepts reports whether a nostr zap of amount millisats can be paid.
func (p *PayParams) Accepts(amount int64) (err error) {
	if !p.AllowsNostr || p.NostrPubkey == "" {
		return ErrNoNostr
	}
	if amount < p.MinSendable || amount > p.MaxSendable {
		return ErrAmountOutRange
	}
	return
}

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type invoiceResponse struct {
	status
	PR string `json:"pr"`
}

// Service is what the pipeline needs from LNURL.
type Service interface {
	Params(c context.Context, lnurl string) (p *PayParams, err error)
	Invoice(c context.Context, p *PayParams, amount int64, zapRequest,
		lnurl string) (pr string, err error)
}

type Client struct {
	HTTP     *http.Client
	TTL      time.Duration
	cache    *ristretto.Cache[string, *PayParams]
	group    singleflight.Group
	validate *validator.Validate
}

var _ Service = (*Client)(nil)

func NewClient() (cl *Client, err error) {
	cl = &Client{
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		TTL:      10 * time.Minute,
		validate: validator.New(),
	}
	if cl.cache, err = ristretto.NewCache(&ristretto.Config[string, *PayParams]{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
		KeyToHash: func(k string) (uint64, uint64) {
			return xxhash.Sum64String(k), z.MemHashString(k)
		},
	}); chk.E(err) {
		return nil, err
	}
	return
}

func (cl *Client) get(c context.Context, u string, v any) (err error) {
	var req *http.Request
	if req, err = http.NewRequestWithContext(c, http.MethodGet, u, nil); err != nil {
		return
	}
	req.Header.Set("Accept", "application/json")
	var res *http.Response
	if res, err = cl.HTTP.Do(req); err != nil {
		return
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", u, res.Status)
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// Params fetches and validates the pay parameters, caching them per endpoint.
func (cl *Client) Params(c context.Context, lnurl string) (p *PayParams, err error) {
	var u string
	if u, err = Decode(lnurl); err != nil {
		return
	}
	var ok bool
	if p, ok = cl.cache.Get(u); ok {
		return
	}
	var v any
	v, err, _ = cl.group.Do(u, func() (v any, err error) {
		var raw struct {
			status
			PayParams
		}
		if err = cl.get(c, u, &raw); err != nil {
			return
		}
		if strings.EqualFold(raw.Status, "ERROR") {
			return nil, fmt.Errorf("%s: %s", u, raw.Reason)
		}
		pp := raw.PayParams
		if err = cl.validate.Struct(&pp); err != nil {
			return
		}
		cl.cache.SetWithTTL(u, &pp, 1, cl.TTL)
		log.D.F("pay params for %s: %d-%d msat", u, pp.MinSendable, pp.MaxSendable)
		return &pp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PayParams), nil
}

// Invoice asks the endpoint's callback for a bolt11 invoice of amount
// millisats carrying the signed zap request.
func (cl *Client) Invoice(c context.Context, p *PayParams, amount int64,
	zapRequest, lnurl string) (pr string, err error) {

	var cb *url.URL
	if cb, err = url.Parse(p.Callback); err != nil {
		return
	}
	q := cb.Query()
	q.Set("amount", strconv.FormatInt(amount, 10))
	q.Set("nostr", zapRequest)
	q.Set("lnurl", lnurl)
	cb.RawQuery = q.Encode()
	var res invoiceResponse
	if err = cl.get(c, cb.String(), &res); err != nil {
		return
	}
	if strings.EqualFold(res.Status, "ERROR") {
		return "", fmt.Errorf("invoice: %s", res.Reason)
	}
	if res.PR == "" {
		return "", errors.New("invoice: empty payment request")
	}
	return res.PR, nil
}
