// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package listener

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// tnsNameRe is the fallback pattern for transient designations in plain
// text: a year followed by two or three lowercase letters.
var tnsNameRe = regexp.MustCompile(`\b(20\d{2}[a-z]{2,3})\b`)

// ExtractNames pulls transient object names out of a TNS alert mail body.
// The mails link each object, so anchor text is authoritative; bodies
// without anchors fall back to the designation pattern.
func ExtractNames(body string) []string {
	names := anchorTexts(body)
	if len(names) == 0 {
		for _, m := range tnsNameRe.FindAllString(body, -1) {
			names = append(names, m)
		}
	}
	return dedupe(names)
}

// anchorTexts returns the text of every <a href=...> in the document. The
// parser is lenient, matching how mail clients mangle markup.
func anchorTexts(body string) []string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var names []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasHref(n) {
			if text := strings.TrimSpace(nodeText(n)); text != "" {
				names = append(names, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return names
}

func hasHref(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "href" {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
