// Package threads assembles a post thread from the index: the root post, its replies, and what
// is needed to render them (reactions, forks, mentions and author profiles).
package threads

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ahdinosaur/ssb-archive/pkg/follower"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

var (
	ErrNotFound = errors.New("threads: root message not indexed")
	ErrNotPost  = errors.New("threads: root message is not a post")
)

// Source is the read surface a thread is loaded from.
type Source interface {
	GetMessage(ctx context.Context, msg ssbref.Msg) (*ssbmsg.Message, bool, error)
	SelectThreadReplies(ctx context.Context, root ssbref.Msg) ([]indexstore.MsgRow, error)
	SelectForks(ctx context.Context, root ssbref.Msg) ([]indexstore.MsgRow, error)
	SelectVotes(ctx context.Context, msg ssbref.Msg) ([]indexstore.VoteRow, error)
	SelectBackLinks(ctx context.Context, ref ssbref.Link) ([]ssbref.Msg, error)
	SelectAbout(ctx context.Context, from, to ssbref.Feed) (map[string]json.RawMessage, bool, error)
}

// IndexSource reads messages through a follower and everything else from its index store.
type IndexSource struct {
	*follower.Follower
	*indexstore.SQLiteIndexStore
}

var _ Source = IndexSource{}

type Thread struct {
	Root    ssbref.Msg   `json:"root" yaml:"root"`
	Replies []ssbref.Msg `json:"replies" yaml:"replies"`
}

type Post struct {
	Key          ssbref.Msg       `json:"key" yaml:"key"`
	Author       ssbref.Feed      `json:"author" yaml:"author"`
	Content      *ssbmsg.Post     `json:"content" yaml:"content"`
	Reactions    []Reaction       `json:"reactions,omitempty" yaml:"reactions,omitempty"`
	Forks        []ssbref.Msg     `json:"forks,omitempty" yaml:"forks,omitempty"`
	Mentions     []ssbmsg.Mention `json:"mentions,omitempty" yaml:"mentions,omitempty"`
	BackMentions []ssbref.Msg     `json:"back_mentions,omitempty" yaml:"back_mentions,omitempty"`
}

type Reaction struct {
	Feed       ssbref.Feed `json:"feed" yaml:"feed"`
	Expression string      `json:"expression" yaml:"expression"`
}

// Author is a feed as it describes itself.
type Author struct {
	Feed        ssbref.Feed  `json:"feed" yaml:"feed"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Image       *ssbref.Blob `json:"image,omitempty" yaml:"image,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

type ThreadBundle struct {
	Thread  Thread                 `json:"thread" yaml:"thread"`
	Authors map[ssbref.Feed]Author `json:"authors" yaml:"authors"`
	Posts   map[ssbref.Msg]Post    `json:"posts" yaml:"posts"`
}

// Load builds the bundle for the thread rooted at root. Replies that cannot be read as posts
// (private replies this index could not decrypt, for instance) are listed in the thread but have
// no entry in Posts.
func Load(ctx context.Context, src Source, root ssbref.Msg) (*ThreadBundle, error) {
	b := &ThreadBundle{
		Thread:  Thread{Root: root},
		Authors: map[ssbref.Feed]Author{},
		Posts:   map[ssbref.Msg]Post{},
	}

	rootPost, err := loadPost(ctx, src, root)
	if err != nil {
		return nil, err
	}
	if rootPost == nil {
		return nil, errors.Wrapf(ErrNotPost, "%s", root)
	}
	b.Posts[root] = *rootPost

	replies, err := src.SelectThreadReplies(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, r := range replies {
		b.Thread.Replies = append(b.Thread.Replies, r.Key)
		p, err := loadPost(ctx, src, r.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p == nil {
			log.Debug().Str("reply", r.Key.String()).Msg("reply is not a readable post")
			continue
		}
		b.Posts[r.Key] = *p
	}

	for _, p := range b.Posts {
		if err := b.addAuthor(ctx, src, p.Author); err != nil {
			return nil, err
		}
		for _, r := range p.Reactions {
			if err := b.addAuthor(ctx, src, r.Feed); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// loadPost returns nil without an error when msg is indexed but its content is not a post.
func loadPost(ctx context.Context, src Source, msg ssbref.Msg) (*Post, error) {
	m, ok, err := src.GetMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", msg)
	}
	c, _ := ssbmsg.DecodeContent(m.Content)
	content, isPost := c.(*ssbmsg.Post)
	if !isPost {
		return nil, nil
	}

	p := &Post{
		Key:      msg,
		Author:   m.Author,
		Content:  content,
		Mentions: content.Mentions,
	}

	votes, err := src.SelectVotes(ctx, msg)
	if err != nil {
		return nil, err
	}
	for _, v := range votes {
		if v.Value > 0 {
			p.Reactions = append(p.Reactions, Reaction{Feed: v.Author, Expression: v.Expression})
		}
	}

	forks, err := src.SelectForks(ctx, msg)
	if err != nil {
		return nil, err
	}
	for _, f := range forks {
		p.Forks = append(p.Forks, f.Key)
	}

	if p.BackMentions, err = src.SelectBackLinks(ctx, msg); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *ThreadBundle) addAuthor(ctx context.Context, src Source, feed ssbref.Feed) error {
	if _, ok := b.Authors[feed]; ok {
		return nil
	}
	doc, _, err := src.SelectAbout(ctx, feed, feed)
	if err != nil {
		return err
	}
	b.Authors[feed] = authorFromAbout(feed, doc)
	return nil
}

func authorFromAbout(feed ssbref.Feed, doc map[string]json.RawMessage) Author {
	a := Author{Feed: feed}
	_ = json.Unmarshal(doc["name"], &a.Name)
	_ = json.Unmarshal(doc["description"], &a.Description)
	a.Image = aboutImage(doc["image"])
	return a
}

// aboutImage accepts an image given either as a blob id or as an object with a link.
func aboutImage(raw json.RawMessage) *ssbref.Blob {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		var obj struct {
			Link string `json:"link"`
		}
		if json.Unmarshal(raw, &obj) != nil {
			return nil
		}
		s = obj.Link
	}
	b, err := ssbref.ParseBlob(s)
	if err != nil {
		return nil
	}
	return &b
}
