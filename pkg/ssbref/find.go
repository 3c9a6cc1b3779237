package ssbref

import "sort"

// FindFeeds returns every canonical feed id embedded in text, in order of appearance.
func FindFeeds(text string) []Feed {
	var out []Feed
	for _, s := range feedMulti.FindAllString(text, -1) {
		if f, err := ParseFeed(s); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func FindMsgs(text string) []Msg {
	var out []Msg
	for _, s := range msgMulti.FindAllString(text, -1) {
		if m, err := ParseMsg(s); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func FindBlobs(text string) []Blob {
	var out []Blob
	for _, s := range blobMulti.FindAllString(text, -1) {
		if b, err := ParseBlob(s); err == nil {
			out = append(out, b)
		}
	}
	return out
}

func FindHashtags(text string) []Hashtag {
	var out []Hashtag
	idx := hashtagMulti.SubexpIndex("tag")
	for _, m := range hashtagMulti.FindAllStringSubmatch(text, -1) {
		out = append(out, Hashtag(m[idx]))
	}
	return out
}

// FindLinks returns all identifiers of any kind in text, ordered by their offset.
func FindLinks(text string) []Link {
	type hit struct {
		at   int
		link Link
	}
	var hits []hit
	collect := func(locs [][]int, parse func(string) (Link, error)) {
		for _, loc := range locs {
			if l, err := parse(text[loc[0]:loc[1]]); err == nil {
				hits = append(hits, hit{at: loc[0], link: l})
			}
		}
	}
	collect(feedMulti.FindAllStringIndex(text, -1), func(s string) (Link, error) { return ParseFeed(s) })
	collect(msgMulti.FindAllStringIndex(text, -1), func(s string) (Link, error) { return ParseMsg(s) })
	collect(blobMulti.FindAllStringIndex(text, -1), func(s string) (Link, error) { return ParseBlob(s) })
	collect(hashtagMulti.FindAllStringIndex(text, -1), func(s string) (Link, error) { return ParseHashtag(s) })

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	out := make([]Link, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.link)
	}
	return out
}
