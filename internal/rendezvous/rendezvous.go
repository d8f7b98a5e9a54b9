// Package rendezvous implements the directory used to publish and
// fetch each user's rendezvous blob: one GitHub Gist per user,
// identified by a well-known description, holding the base64/zlib/JSON
// blob produced by internal/hks.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/rchat-p2p/node/internal/hks"
)

const (
	gistDescription = "rchat-peer-info"
	gistFileName    = "peers.txt"
	blobTTL         = 120 * time.Second
)

// ErrNoGist names the "no rchat gist" case. FindMine and GetFriend do
// not return it; they report that case as found == false with a nil
// error.
var ErrNoGist = errors.New("rendezvous: no gist found")

// Directory is a thin client over the GitHub Gist API playing the role
// of the rendezvous directory.
type Directory struct {
	authed *github.Client // nil until a token is supplied
	public *github.Client
}

// New builds a Directory. token may be empty for read-only use
// (get_friend / get_friend_shadows never require auth).
func New(token string) *Directory {
	d := &Directory{public: github.NewClient(nil)}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		d.authed = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return d
}

func (d *Directory) client() (*github.Client, error) {
	if d.authed == nil {
		return nil, errors.New("rendezvous: operation requires an authenticated token")
	}
	return d.authed, nil
}

// FindMine returns the authenticated user's existing rchat gist id, if
// any.
func (d *Directory) FindMine(ctx context.Context) (string, bool, error) {
	client, err := d.client()
	if err != nil {
		return "", false, err
	}
	gists, _, err := client.Gists.List(ctx, "", nil)
	if err != nil {
		return "", false, fmt.Errorf("rendezvous: list gists: %w", err)
	}
	for _, g := range gists {
		if g.Description != nil && *g.Description == gistDescription {
			return g.GetID(), true, nil
		}
	}
	return "", false, nil
}

// CreateMine publishes a brand-new gist holding content.
func (d *Directory) CreateMine(ctx context.Context, content string) (string, error) {
	client, err := d.client()
	if err != nil {
		return "", err
	}
	desc := gistDescription
	public := true
	gist := &github.Gist{
		Description: &desc,
		Public:      &public,
		Files: map[github.GistFilename]github.GistFile{
			gistFileName: {Content: &content},
		},
	}
	created, _, err := client.Gists.Create(ctx, gist)
	if err != nil {
		return "", fmt.Errorf("rendezvous: create gist: %w", err)
	}
	return created.GetID(), nil
}

// UpdateMine overwrites an existing gist's content.
func (d *Directory) UpdateMine(ctx context.Context, gistID, content string) error {
	client, err := d.client()
	if err != nil {
		return err
	}
	desc := gistDescription
	gist := &github.Gist{
		Description: &desc,
		Files: map[github.GistFilename]github.GistFile{
			gistFileName: {Content: &content},
		},
	}
	if _, _, err := client.Gists.Edit(ctx, gistID, gist); err != nil {
		return fmt.Errorf("rendezvous: update gist: %w", err)
	}
	return nil
}

// GetFriend fetches a friend's published blob by GitHub user name.
// Public read, no auth required.
func (d *Directory) GetFriend(ctx context.Context, username string) (string, bool, error) {
	gists, _, err := d.public.Gists.List(ctx, username, nil)
	if err != nil {
		return "", false, fmt.Errorf("rendezvous: list friend gists: %w", err)
	}
	for _, g := range gists {
		if g.Description == nil || *g.Description != gistDescription {
			continue
		}
		// The list endpoint omits file contents, so fetch the gist itself.
		full, _, err := d.public.Gists.Get(ctx, g.GetID())
		if err != nil {
			return "", false, fmt.Errorf("rendezvous: get friend gist: %w", err)
		}
		file, ok := full.Files[gistFileName]
		if !ok || file.Content == nil {
			continue
		}
		return *file.Content, true, nil
	}
	return "", false, nil
}

// PublishShadow computes the updated shadow_invites array for our own
// blob: evicts anything past the 120-second TTL, then inserts or
// replaces the entry for shadow.TargetUsername. Callers still need to
// write the returned blob back via UpdateMine.
func PublishShadow(current hks.PublishedBlob, shadow hks.TrackedInvite, now time.Time) hks.PublishedBlob {
	kept := current.ShadowInvites[:0:0]
	for _, sh := range current.ShadowInvites {
		if now.Sub(time.Unix(sh.CreatedAt, 0)) < blobTTL && sh.TargetUsername != shadow.TargetUsername {
			kept = append(kept, sh)
		}
	}
	kept = append(kept, shadow)
	current.ShadowInvites = kept
	return current
}

// GetFriendShadows filters a blob's shadow invites down to the ones
// still within their TTL window.
func GetFriendShadows(blob hks.PublishedBlob, now time.Time) []hks.TrackedInvite {
	var out []hks.TrackedInvite
	for _, sh := range blob.ShadowInvites {
		if now.Sub(time.Unix(sh.CreatedAt, 0)) < blobTTL {
			out = append(out, sh)
		}
	}
	return out
}

