package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/lnurl"
	"github.com/Hubmakerlabs/federatr/pkg/signer"
	"github.com/Hubmakerlabs/federatr/pkg/streaming"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

const dialTimeout = 10 * time.Second

var out io.Writer = os.Stdout

func doKeygen(cCtx *cli.Context) (err error) {
	k := signer.Generate()
	var nsec, npub string
	if nsec, err = nip19.EncodePrivateKey(k.Secret()); chk.E(err) {
		return
	}
	if npub, err = nip19.EncodePublicKey(k.PublicKey()); chk.E(err) {
		return
	}
	fmt.Fprintf(out, "secret  %s\n        %s\npubkey  %s\n        %s\n",
		k.Secret(), nsec, k.PublicKey(), npub)
	return
}

// parseTags turns name=v1,v2 arguments into event tags.
func parseTags(args []string) (tags nostr.Tags, err error) {
	for _, a := range args {
		name, values, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed tag %q", a)
		}
		tags = append(tags, append(nostr.Tag{name},
			strings.Split(values, ",")...))
	}
	return
}

// dial opens a websocket to u, offering the given subprotocols.
func dial(c context.Context, u string, protocols ...string) (conn *websocket.Conn,
	err error) {

	c, cancel := context.WithTimeout(c, dialTimeout)
	defer cancel()
	log.D.Ln("dialing", u)
	d := *websocket.DefaultDialer
	d.Subprotocols = protocols
	conn, _, err = d.DialContext(c, u, nil)
	return
}

// readArray reads the next message and splits it into its label and the
// remaining elements.
func readArray(conn *websocket.Conn) (label string, rest []json.RawMessage,
	err error) {

	var b []byte
	if _, b, err = conn.ReadMessage(); err != nil {
		return
	}
	var arr []json.RawMessage
	if err = json.Unmarshal(b, &arr); err != nil {
		return
	}
	if len(arr) == 0 {
		return "", nil, errors.New("empty message")
	}
	if err = json.Unmarshal(arr[0], &label); err != nil {
		return
	}
	return label, arr[1:], nil
}

// publish sends ev and waits for the relay's OK for it.
func publish(c context.Context, u string, ev *nostr.Event) (ok bool,
	reason string, err error) {

	var conn *websocket.Conn
	if conn, err = dial(c, u); err != nil {
		return
	}
	defer conn.Close()
	if err = conn.WriteJSON(nostr.EventEnvelope{Event: *ev}); err != nil {
		return
	}
	for {
		var label string
		var rest []json.RawMessage
		if label, rest, err = readArray(conn); err != nil {
			return
		}
		switch label {
		case "NOTICE":
			var notice string
			if len(rest) > 0 && json.Unmarshal(rest[0], &notice) == nil {
				log.W.Ln("notice:", notice)
			}
		case "OK":
			var id string
			if len(rest) < 3 || json.Unmarshal(rest[0], &id) != nil ||
				id != ev.ID {
				continue
			}
			if err = json.Unmarshal(rest[1], &ok); err != nil {
				return
			}
			err = json.Unmarshal(rest[2], &reason)
			return
		}
	}
}

func doPublish(cCtx *cli.Context) (err error) {
	sec, ok := signer.ParseSecret(cCtx.String("sec"))
	if !ok {
		return errors.New("invalid secret key")
	}
	var k *signer.Key
	if k, err = signer.New(sec); chk.E(err) {
		return
	}
	ev := &nostr.Event{
		Kind:      cCtx.Int("kind"),
		CreatedAt: nostr.Now(),
		Content:   strings.Join(cCtx.Args().Slice(), " "),
	}
	if ev.Tags, err = parseTags(cCtx.StringSlice("tag")); err != nil {
		return
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err = k.Sign(cCtx.Context, ev); chk.E(err) {
		return
	}
	var reason string
	if ok, reason, err = publish(cCtx.Context, cCtx.String("url"), ev); err != nil {
		return
	}
	if !ok {
		return fmt.Errorf("rejected: %s", reason)
	}
	fmt.Fprintln(out, ev.ID)
	return
}

// query sends one REQ and hands every event to fn until EOSE, or until the
// connection ends when follow is set.
func query(c context.Context, u string, r filter.T, follow bool,
	fn func(*nostr.Event)) (err error) {

	var conn *websocket.Conn
	if conn, err = dial(c, u); err != nil {
		return
	}
	defer conn.Close()
	id := uuid.NewString()[:8]
	if err = conn.WriteJSON([]any{"REQ", id, r}); err != nil {
		return
	}
	for {
		var label string
		var rest []json.RawMessage
		if label, rest, err = readArray(conn); err != nil {
			if follow && websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				err = nil
			}
			return
		}
		switch label {
		case "EVENT":
			if len(rest) < 2 {
				continue
			}
			ev := &nostr.Event{}
			if err = json.Unmarshal(rest[1], ev); err != nil {
				return
			}
			fn(ev)
		case "EOSE":
			if !follow {
				chk.D(conn.WriteJSON([]any{"CLOSE", id}))
				return
			}
		case "CLOSED", "NOTICE":
			var msg string
			if len(rest) > 0 {
				chk.D(json.Unmarshal(rest[len(rest)-1], &msg))
			}
			return fmt.Errorf("%s: %s", strings.ToLower(label), msg)
		}
	}
}

func doReq(cCtx *cli.Context) (err error) {
	r := filter.New(nostr.Filter{})
	r.Local = cCtx.Bool("local")
	r.Kinds = cCtx.IntSlice("kind")
	r.IDs = cCtx.StringSlice("id")
	r.Search = cCtx.String("search")
	r.Limit = cCtx.Int("limit")
	for _, a := range cCtx.StringSlice("author") {
		pk, ok := signer.ParsePubkey(a)
		if !ok {
			return fmt.Errorf("invalid author %q", a)
		}
		r.Authors = append(r.Authors, pk)
	}
	var tags nostr.Tags
	if tags, err = parseTags(cCtx.StringSlice("tag")); err != nil {
		return
	}
	if len(tags) > 0 {
		r.Tags = nostr.TagMap{}
		for _, t := range tags {
			r.Tags[t[0]] = append(r.Tags[t[0]], t[1:]...)
		}
	}
	enc := json.NewEncoder(out)
	return query(cCtx.Context, cCtx.String("url"), r, cCtx.Bool("follow"),
		func(ev *nostr.Event) { chk.E(enc.Encode(ev)) })
}

// streamURL maps a node address onto its streaming endpoint.
func streamURL(base, stream, tag string) (s string, err error) {
	var u *url.URL
	if u, err = url.Parse(base); err != nil {
		return
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = streaming.Path
	q := url.Values{"stream": []string{stream}}
	if tag != "" {
		q.Set("tag", tag)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func doStream(cCtx *cli.Context) (err error) {
	var u string
	if u, err = streamURL(cCtx.String("url"), cCtx.String("stream"),
		cCtx.String("tag")); err != nil {
		return
	}
	var conn *websocket.Conn
	if conn, err = dial(cCtx.Context, u, cCtx.String("token")); err != nil {
		return
	}
	defer conn.Close()
	for {
		var env streaming.Envelope
		if err = conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				return nil
			}
			return
		}
		fmt.Fprintf(out, "%s %s\n", env.Event, env.Payload)
	}
}

func doLnurl(cCtx *cli.Context) (err error) {
	if cCtx.NArg() != 1 {
		return errors.New("expected one lnurl")
	}
	var cl *lnurl.Client
	if cl, err = lnurl.NewClient(); chk.E(err) {
		return
	}
	var p *lnurl.PayParams
	if p, err = cl.Params(cCtx.Context, cCtx.Args().First()); err != nil {
		return
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
