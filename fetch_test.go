package main

import (
	"net/http/httptest"
	"testing"

	"github.com/smartystreets/assertions"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		target string
		accept string
		mode   string
		want   requestClass
	}{
		{"jpg", "/gallery/live.jpg", "", "", classImage},
		{"jpeg", "/gallery/live.jpeg", "", "", classImage},
		{"png upper", "/img/LOGO.PNG", "", "", classImage},
		{"gif", "/img/loop.gif", "", "", classImage},
		{"webp", "/img/cover.webp", "", "", classImage},
		{"svg", "/img/logo.svg", "", "", classImage},
		{"ico", "/favicon.ico", "", "", classImage},
		{"css", "/css/site.css", "", "", classStatic},
		{"js", "/js/player.js", "", "", classStatic},
		{"woff2", "/fonts/mono.woff2", "", "", classStatic},
		{"ttf", "/fonts/mono.ttf", "", "", classStatic},
		{"navigation", "/about/", "", "navigate", classPage},
		{"html accept", "/music/", "text/html,application/xhtml+xml", "", classPage},
		{"image ext wins over accept", "/img/logo.svg", "text/html", "", classImage},
		{"static ext wins over navigate", "/css/site.css", "", "navigate", classStatic},
		{"json", "/data/songs.json", "application/json", "", classOther},
		{"no extension no accept", "/api/setlist", "", "", classOther},
	}

	for _, c := range cases {
		t.Run(c.name, func(tt *testing.T) {
			r := httptest.NewRequest("GET", c.target, nil)
			if c.accept != "" {
				r.Header.Set("Accept", c.accept)
			}
			if c.mode != "" {
				r.Header.Set("Sec-Fetch-Mode", c.mode)
			}
			assertions.New(tt).So(classify(r), assertions.ShouldEqual, c.want)
		})
	}
}

func TestEntryKey(t *testing.T) {
	a := assertions.New(t)

	r := httptest.NewRequest("GET", "/music/?page=2", nil)
	a.So(entryKey(r), assertions.ShouldEqual, "GET /music/?page=2")

	r = httptest.NewRequest("GET", "/", nil)
	a.So(entryKey(r), assertions.ShouldEqual, rootDocumentKey)
}

func TestSameOrigin(t *testing.T) {
	a := assertions.New(t)
	proxy := testProxy(t)

	a.So(proxy.sameOrigin(httptest.NewRequest("GET", "/img/logo.svg", nil)), assertions.ShouldBeTrue)
	a.So(proxy.sameOrigin(httptest.NewRequest("GET", "http://origin.example/img/logo.svg", nil)), assertions.ShouldBeTrue)
	a.So(proxy.sameOrigin(httptest.NewRequest("GET", "http://cdn.example/img/logo.svg", nil)), assertions.ShouldBeFalse)
}
