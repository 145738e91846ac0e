package fragment

import (
	"errors"
	"testing"

	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/idgen"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/mutation"
)

func rootLayer(t *testing.T, page string) (*layer.Stack, *layer.Layer) {
	t.Helper()
	s, err := layer.NewStack(dom.MustParse(page), nil, idgen.Sequence("lyr_"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, s.Root()
}

func match(t *testing.T, l *layer.Layer, resp string, alts ...string) (*Match, error) {
	t.Helper()
	return FirstSwappableTarget(alts, Options{Layer: l, Document: dom.MustParse(resp), Main: []string{"main", "body"}})
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget(`#a, .b:after, #c:maybe, [data-x="1,2"]:content:maybe, ul:prepend`)
	if err != nil {
		t.Fatal(err)
	}
	want := []Part{
		{"#a", Swap, false},
		{".b", After, false},
		{"#c", Swap, true},
		{`[data-x="1,2"]`, Content, true},
		{"ul", Before, false},
	}
	if len(tgt) != len(want) {
		t.Fatalf("parts: got %d, want %d (%v)", len(tgt), len(want), tgt)
	}
	for i := range want {
		if tgt[i] != want[i] {
			t.Errorf("part %d: got %+v, want %+v", i, tgt[i], want[i])
		}
	}
	if _, err := ParseTarget(":after"); err == nil {
		t.Error("qualifier without selector accepted")
	}
	if !IsNone(" :none ") {
		t.Error(":none not recognised")
	}
}

func TestFirstSwappableTarget_FallsBackToBody(t *testing.T) {
	// WHAT: #content missing in the live page falls back to body even though the response has both.
	// WHY: Alternatives are tried most specific first and must resolve on both sides.
	_, root := rootLayer(t, `<html><body><p>old</p></body></html>`)
	m, err := match(t, root, `<html><body><div id="content">new</div></body></html>`, "#content", "body")
	if err != nil {
		t.Fatal(err)
	}
	if m.Target != "body" {
		t.Fatalf("target: got %q, want body", m.Target)
	}
	if m.Steps[0].Old != root.ContentElement() {
		t.Error("old element is not the live body")
	}
}

func TestFirstSwappableTarget_Errors(t *testing.T) {
	_, root := rootLayer(t, `<html><body><div id="a">old</div></body></html>`)

	_, err := match(t, root, `<div id="a">new</div>`, "#missing")
	if !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("got %v, want ErrTargetNotFound", err)
	}
	_, err = match(t, root, `<div id="b">new</div>`, "#a")
	if !errors.Is(err, ErrContentNotFound) {
		t.Errorf("got %v, want ErrContentNotFound", err)
	}
	_, err = match(t, root, `<div id="a">new</div>`, "div[[")
	if err == nil || errors.Is(err, ErrTargetNotFound) {
		t.Errorf("invalid selector: got %v", err)
	}
}

func TestFirstSwappableTarget_MaybeAndUnion(t *testing.T) {
	_, root := rootLayer(t, `<html><body><div id="a">1</div><div id="b">2</div></body></html>`)
	m, err := match(t, root, `<div id="a">A</div><div id="b">B</div>`, "#a, #b, #c:maybe")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Steps) != 2 {
		t.Fatalf("steps: %v", m.Selectors())
	}
	// Second part nested inside the first is dropped.
	_, root = rootLayer(t, `<html><body><div id="a"><div id="b">2</div></div></body></html>`)
	m, err = match(t, root, `<div id="a"><div id="b">B</div></div>`, "#a, #b")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Steps) != 1 || m.Steps[0].Selector != "#a" {
		t.Errorf("nested step kept: %v", m.Selectors())
	}
}

func TestFirstSwappableTarget_ScopedToLayer(t *testing.T) {
	// WHAT: An element with the same id in an overlay is never matched from root.
	// WHY: A layer's fragments are only matched against that same layer.
	s, root := rootLayer(t, `<html><body><p>root</p></body></html>`)
	ov, _ := s.Push(layer.Spec{Mode: layer.Modal})
	ov.ContentElement().AppendChild(dom.NewElement("div", "id", "x"))

	if _, err := match(t, root, `<div id="x">new</div>`, "#x"); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("root matched overlay element: %v", err)
	}
	m, err := match(t, ov, `<div id="x">new</div>`, "#x")
	if err != nil {
		t.Fatal(err)
	}
	if !ov.Contains(m.Steps[0].Old) {
		t.Error("old element outside overlay")
	}
}

func TestFirstSwappableTarget_MainExpansion(t *testing.T) {
	_, root := rootLayer(t, `<html><body><main>old</main></body></html>`)
	m, err := match(t, root, `<main>new</main>`, ":main")
	if err != nil {
		t.Fatal(err)
	}
	if m.Target != "main" {
		t.Errorf("target: %q", m.Target)
	}
}

func TestFirstSwappableTarget_OverlayBodyIsContent(t *testing.T) {
	s, _ := rootLayer(t, `<html><body></body></html>`)
	ov, _ := s.Push(layer.Spec{Mode: layer.Drawer})
	m, err := match(t, ov, `<p>hi</p>`, "body")
	if err != nil {
		t.Fatal(err)
	}
	st := m.Steps[0]
	if st.Old != ov.ContentElement() || st.Placement != Content {
		t.Errorf("overlay body: old=%v placement=%s", st.Old.Data, st.Placement)
	}
	Apply(m, DefaultAttributePolicy(), nil)
	if dom.InnerHTML(ov.ContentElement()) != "<p>hi</p>" {
		t.Errorf("content: %q", dom.InnerHTML(ov.ContentElement()))
	}
	if !dom.Attached(ov.Element()) {
		t.Error("overlay container replaced")
	}
}

func TestApply_Placements(t *testing.T) {
	cases := []struct {
		target string
		want   string
	}{
		{"#l", `<ul id="l" class="new"><li>n</li></ul>`},
		{"#l:content", `<ul id="l" class="old"><li>n</li></ul>`},
		{"#l:before", `<ul id="l" class="old"><li>n</li><li>o</li></ul>`},
		{"#l:after", `<ul id="l" class="old"><li>o</li><li>n</li></ul>`},
	}
	for _, c := range cases {
		_, root := rootLayer(t, `<html><body><ul id="l" class="old"><li>o</li></ul></body></html>`)
		m, err := match(t, root, `<ul id="l" class="new"><li>n</li></ul>`, c.target)
		if err != nil {
			t.Fatal(err)
		}
		if err := Verify(m); err != nil {
			t.Fatal(err)
		}
		j := mutation.NewJournal()
		res := Apply(m, DefaultAttributePolicy(), j)
		if got := dom.InnerHTML(root.ContentElement()); got != c.want {
			t.Errorf("%s: got %q, want %q", c.target, got, c.want)
		}
		if len(res.Inserted) == 0 || j.Len() == 0 {
			t.Errorf("%s: nothing recorded", c.target)
		}
	}
}

func TestApply_ContentCopiesAllowedAttributes(t *testing.T) {
	_, root := rootLayer(t, `<html><body><div id="a" class="old" title="t">x</div></body></html>`)
	m, _ := match(t, root, `<div id="z" class="new" title="n">y</div>`, "#a:content")
	if m != nil {
		t.Fatal("matched a different id")
	}
	m, err := match(t, root, `<div id="a" class="new" title="n">y</div>`, "#a:content")
	if err != nil {
		t.Fatal(err)
	}
	Apply(m, AttributePolicy{Copy: []string{"class", "id"}, Protected: []string{"id"}}, nil)
	a := m.Steps[0].Old
	if dom.Attr(a, "class") != "new" || dom.Attr(a, "title") != "t" {
		t.Errorf("attrs: %v", a.Attr)
	}
}

func TestApply_KeepElementSurvivesWhenAbsentFromNewContent(t *testing.T) {
	// WHAT: An up-keep element missing from the new fragment keeps its node identity.
	// WHY: Destroying kept elements loses client state such as playback position.
	_, root := rootLayer(t, `<html><body><div id="box"><div id="inner"><video id="v" up-keep src="a.mp4"></video></div><p>old</p></div></body></html>`)
	video, _ := dom.Query(root.Element(), "#v")

	m, err := match(t, root, `<div id="box"><div id="inner"><p>new</p></div></div>`, "#box")
	if err != nil {
		t.Fatal(err)
	}
	j := mutation.NewJournal()
	res := Apply(m, DefaultAttributePolicy(), j)

	got, _ := dom.Query(root.Element(), "#v")
	if got != video {
		t.Fatal("kept element was recreated or removed")
	}
	if !dom.Attached(video) {
		t.Fatal("kept element detached")
	}
	if dom.Attr(video.Parent, "id") != "inner" {
		t.Errorf("kept element re-attached under %q, want inner", dom.Attr(video.Parent, "id"))
	}
	if len(res.Kept) != 1 {
		t.Errorf("kept: %d", len(res.Kept))
	}
}

func TestApply_KeepElementReplacesPartner(t *testing.T) {
	_, root := rootLayer(t, `<html><body><main><audio id="player" up-keep>playing</audio><p>old</p></main></body></html>`)
	player, _ := dom.Query(root.Element(), "#player")

	m, err := match(t, root, `<main><p>new</p><audio id="player" up-keep>fresh</audio></main>`, "main")
	if err != nil {
		t.Fatal(err)
	}
	Apply(m, DefaultAttributePolicy(), nil)

	all, _ := dom.QueryAll(root.Element(), "#player")
	if len(all) != 1 || all[0] != player || dom.Text(player) != "playing" {
		t.Fatalf("partner not replaced by kept element: %s", dom.Render(root.ContentElement()))
	}
	if dom.InnerHTML(root.ContentElement()) != `<main><p>new</p><audio id="player" up-keep="">playing</audio></main>` {
		t.Errorf("body: %q", dom.InnerHTML(root.ContentElement()))
	}
}

func TestApply_KeepElementsSharingPartner(t *testing.T) {
	// WHAT: Two keep elements resolving to the same partner both survive the swap.
	// WHY: A partner can only be replaced once; the second keep element must not be dropped.
	_, root := rootLayer(t, `<html><body><main><video id="a" class="player" up-keep=".player">A</video><video id="b" class="player" up-keep=".player">B</video></main></body></html>`)
	a, _ := dom.Query(root.Element(), "#a")
	b, _ := dom.Query(root.Element(), "#b")

	m, err := match(t, root, `<main><p>new</p><video class="player">fresh</video></main>`, "main")
	if err != nil {
		t.Fatal(err)
	}
	res := Apply(m, DefaultAttributePolicy(), nil)

	if !dom.Attached(a) || !dom.Attached(b) {
		t.Fatalf("a attached=%v b attached=%v: %s", dom.Attached(a), dom.Attached(b), dom.InnerHTML(root.ContentElement()))
	}
	if len(res.Kept) != 2 {
		t.Errorf("kept: %d", len(res.Kept))
	}
	players, _ := dom.QueryAll(root.Element(), ".player")
	if len(players) != 2 {
		t.Errorf("players: %d in %s", len(players), dom.InnerHTML(root.ContentElement()))
	}
	for _, p := range players {
		if dom.Text(p) == "fresh" {
			t.Error("partner left in place next to the kept elements")
		}
	}
}

func TestApply_KeepOptOut(t *testing.T) {
	_, root := rootLayer(t, `<html><body><main><audio id="player" up-keep>playing</audio></main></body></html>`)
	player, _ := dom.Query(root.Element(), "#player")
	m, _ := match(t, root, `<main><audio id="player" up-keep="false">fresh</audio></main>`, "main")
	Apply(m, DefaultAttributePolicy(), nil)
	if dom.Attached(player) {
		t.Error("opted-out element survived")
	}
}

func TestApply_SelfKeptTargetIsUntouched(t *testing.T) {
	_, root := rootLayer(t, `<html><body><div id="k" up-keep>old</div></body></html>`)
	k, _ := dom.Query(root.Element(), "#k")
	m, err := match(t, root, `<div id="k" up-keep>new</div>`, "#k")
	if err != nil {
		t.Fatal(err)
	}
	j := mutation.NewJournal()
	res := Apply(m, DefaultAttributePolicy(), j)
	if !dom.Attached(k) || dom.Text(k) != "old" || len(res.Inserted) != 0 {
		t.Error("self-kept element was replaced")
	}
}

func TestVerify_DetachedTarget(t *testing.T) {
	_, root := rootLayer(t, `<html><body><div id="a">x</div></body></html>`)
	m, err := match(t, root, `<div id="a">y</div>`, "#a")
	if err != nil {
		t.Fatal(err)
	}
	dom.Detach(m.Steps[0].Old)
	if err := Verify(m); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestFindContent(t *testing.T) {
	doc := dom.MustParse(`<html><body><div class="card">c</div></body></html>`)
	m, err := FindContent([]string{"#missing", ".card"}, doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Target != ".card" || m.Steps[0].New.Data != "div" {
		t.Errorf("got %+v", m)
	}
	if _, err := FindContent([]string{"#missing"}, doc, nil); !errors.Is(err, ErrContentNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestApply_HTMLContentKeepsHeadAndBody(t *testing.T) {
	s, root := rootLayer(t, `<html><head><title>Old</title></head><body><p>old</p></body></html>`)
	m, err := match(t, root, `<html><head><title>New</title></head><body><p>new</p></body></html>`, "html:content")
	if err != nil {
		t.Fatal(err)
	}
	Apply(m, DefaultAttributePolicy(), nil)

	body := root.ContentElement()
	if body == nil {
		t.Fatalf("body lost: %s", dom.Render(root.Element()))
	}
	if dom.InnerHTML(body) != `<p>new</p>` {
		t.Errorf("body: %q", dom.InnerHTML(body))
	}
	if head, _ := dom.Query(root.Element(), "head"); head == nil {
		t.Error("head lost")
	}
	if _, err := s.Push(layer.Spec{Mode: layer.Modal}); err != nil {
		t.Errorf("push after html:content: %v", err)
	}
}
