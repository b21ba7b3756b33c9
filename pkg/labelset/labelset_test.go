package labelset

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/stretchr/testify/require"
)

func makeImage(t *testing.T, arena *tensor.Arena, h, w int, seed float32) *tensor.Tensor {
	x, err := arena.New(tensor.Shape{h, w, 3})
	require.NoError(t, err)
	for i := range x.Data() {
		x.Data()[i] = float32(i%256) + seed
	}
	return x
}

func makeSet(t *testing.T, arena *tensor.Arena) *Set {
	s := NewSet()
	for i, label := range []string{"cat", "dog", "bird"} {
		for j := 0; j < 3; j++ {
			_, err := s.AddImage(label, label+"-"+string(rune('a'+j)), makeImage(t, arena, 4+i, 5, float32(j)))
			require.NoError(t, err)
		}
	}
	return s
}

func TestSetMutation(t *testing.T) {
	arena := tensor.NewArena()
	s := makeSet(t, arena)
	require.Equal(t, 9, s.NumImages())
	require.Equal(t, 9, arena.Live())
	require.Equal(t, "dog", s.Groups[1].Label)

	uid := s.Groups[1].Images[2].UID
	g, img := s.FindImage(uid)
	require.Equal(t, "dog", g.Label)
	require.Equal(t, "dog-c", img.Name)
	require.True(t, s.RemoveImage(uid))
	require.False(t, s.RemoveImage(uid))
	require.Equal(t, 8, arena.Live())

	require.Equal(t, 1, s.RemoveGroup("cat"))
	require.Equal(t, 5, arena.Live())
	require.Equal(t, "dog", s.Groups[0].Label)

	_, err := s.AddImage("x", "flat", func() *tensor.Tensor {
		f, _ := arena.New(tensor.Shape{3})
		return f
	}())
	require.Error(t, err)

	s.Release()
	s.Release()
	require.True(t, s.Released())
	// The rejected flat tensor is still ours
	require.Equal(t, 1, arena.Live())
}

func TestSerializeMemoized(t *testing.T) {
	arena := tensor.NewArena()
	s := makeSet(t, arena)
	defer s.Release()

	doc1, err := Serialize(s)
	require.NoError(t, err)
	img := s.Groups[0].Images[0]
	numeric := img.Content.(*Numeric)
	require.NotEqual(t, "", numeric.Cached())
	// Tensor is still usable after encoding
	require.False(t, numeric.Tensor.Released())

	// Change the samples behind the cache. A second serialize must not re-encode.
	numeric.Tensor.Data()[0] = 999
	doc2, err := Serialize(s)
	require.NoError(t, err)
	for gi := range doc1.LabeledImageSetList {
		for ii := range doc1.LabeledImageSetList[gi].ImageList {
			require.Equal(t, doc1.LabeledImageSetList[gi].ImageList[ii].Img, doc2.LabeledImageSetList[gi].ImageList[ii].Img)
		}
	}

	b1, err := json.Marshal(doc1)
	require.NoError(t, err)
	b2, err := json.Marshal(doc2)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestRoundTripPreservesOrder(t *testing.T) {
	arena := tensor.NewArena()
	log := logs.NewTestingLog(t)
	s := makeSet(t, arena)
	defer s.Release()

	raw, err := Marshal(s)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"labeledImageSetList"`)
	require.Contains(t, string(raw), `"imageList"`)
	require.Contains(t, string(raw), `"dtype": "float32"`)

	loaded, err := Unmarshal(log, arena, raw)
	require.NoError(t, err)
	defer loaded.Release()

	require.Equal(t, len(s.Groups), len(loaded.Groups))
	for gi, g := range s.Groups {
		lg := loaded.Groups[gi]
		require.Equal(t, g.Label, lg.Label)
		require.Equal(t, len(g.Images), len(lg.Images))
		for ii, img := range g.Images {
			limg := lg.Images[ii]
			require.Equal(t, img.UID, limg.UID)
			require.Equal(t, img.Name, limg.Name)
			n, ok := limg.Content.(*Numeric)
			require.True(t, ok)
			require.Equal(t, "", n.Cached())
			require.Equal(t, img.Tensor().Shape(), n.Tensor.Shape())
			require.Equal(t, img.Tensor().Data(), n.Tensor.Data())
		}
	}
	require.Equal(t, 18, arena.Live())
}

func TestEncodedPassThrough(t *testing.T) {
	arena := tensor.NewArena()
	x := makeImage(t, arena, 2, 2, 0)
	enc, err := tensor.Encode(x)
	require.NoError(t, err)
	x.Release()

	s := NewSet()
	g := s.AddGroup("raw")
	g.Images = append(g.Images, &Image{UID: "u1", Name: "n1", Content: &Encoded{Data: enc, Shape: tensor.Shape{2, 2, 3}, DType: tensor.Float32}})
	doc, err := Serialize(s)
	require.NoError(t, err)
	require.Equal(t, enc, doc.LabeledImageSetList[0].ImageList[0].Img)
	require.Equal(t, []int{2, 2, 3}, doc.LabeledImageSetList[0].ImageList[0].Tensor.Shape)
	require.Equal(t, 0, arena.Live())

	require.NoError(t, g.Images[0].Decode(arena))
	require.NotNil(t, g.Images[0].Tensor())
	s.Release()
	require.Equal(t, 0, arena.Live())
}

func TestSchemaErrors(t *testing.T) {
	arena := tensor.NewArena()
	log := logs.NewTestingLog(t)
	docs := []string{
		`{"labeledImageSetList":[{"label":"cat","imageList":[{"uid":"1","name":"a","img":"AACAPw==","tensor":{"dtype":"float32"}}]}]}`,
		`{"labeledImageSetList":[{"label":"cat","imageList":[{"uid":"1","name":"a","img":"AACAPw==","tensor":{"shape":[1,1,1]}}]}]}`,
		`{"labeledImageSetList":[{"label":"cat","imageList":[{"uid":"1","name":"a","img":"AACAPw=="}]}]}`,
		`{"labeledImageSetList":[{"label":"cat","imageList":[{"uid":"1","name":"a","tensor":{"shape":[1,1,1],"dtype":"float32"}}]}]}`,
		`{"labeledImageSetList":[{"imageList":[]}]}`,
		`{"labeledImageSetList":[{"label":"cat"}]}`,
		`{"somethingElse":[]}`,
		`{"labeledImageSetList":`,
		`[1,2,3]`,
	}
	for _, d := range docs {
		s, err := Unmarshal(log, arena, []byte(d))
		require.Nil(t, s, d)
		var schema *SchemaError
		require.True(t, errors.As(err, &schema), "%v: %v", d, err)
	}
	require.Equal(t, 0, arena.Live())
}

func TestSchemaErrorAfterValidEntries(t *testing.T) {
	// The first group is fine, but the second is broken. Nothing may be returned or leaked.
	arena := tensor.NewArena()
	d := `{"labeledImageSetList":[
		{"label":"ok","imageList":[{"uid":"1","name":"a","img":"AACAPw==","tensor":{"shape":[1,1,1],"dtype":"float32"}}]},
		{"label":"bad","imageList":[{"uid":"2","name":"b","img":"AACAPw==","tensor":{"dtype":"float32"}}]}
	]}`
	s, err := Unmarshal(logs.NewTestingLog(t), arena, []byte(d))
	require.Nil(t, s)
	require.Error(t, err)
	require.Equal(t, 0, arena.Live())
}

func TestMalformedEntryDropped(t *testing.T) {
	arena := tensor.NewArena()
	d := `{"labeledImageSetList":[{"label":"cat","imageList":[
		{"uid":"1","name":"good","img":"AACAPw==","tensor":{"shape":[1,1,1],"dtype":"float32"}},
		{"uid":"2","name":"short","img":"AACAPw==","tensor":{"shape":[1,1,2],"dtype":"float32"}},
		{"uid":"3","name":"garbage","img":"%%%","tensor":{"shape":[1,1,1],"dtype":"float32"}},
		{"uid":"4","name":"good2","img":"AAAAQA==","tensor":{"shape":[1,1,1],"dtype":"float32"}}
	]}]}`
	s, err := Unmarshal(logs.NewTestingLog(t), arena, []byte(d))
	require.NoError(t, err)
	defer s.Release()
	require.Equal(t, 2, len(s.Groups[0].Images))
	require.Equal(t, "good", s.Groups[0].Images[0].Name)
	require.Equal(t, []float32{1}, s.Groups[0].Images[0].Tensor().Data())
	require.Equal(t, "good2", s.Groups[0].Images[1].Name)
	require.Equal(t, []float32{2}, s.Groups[0].Images[1].Tensor().Data())
	require.Equal(t, 2, arena.Live())
}

func TestDuplicateLabels(t *testing.T) {
	arena := tensor.NewArena()
	s := NewSet()
	defer s.Release()
	a := s.AddGroup("cat")
	b := s.AddGroup("dog")
	c := s.AddGroup("cat")
	for _, g := range []*Group{a, b, c} {
		g.Images = append(g.Images, &Image{UID: NewUID(), Name: g.Label, Content: &Numeric{Tensor: makeImage(t, arena, 1, 1, 0)}})
	}
	require.Equal(t, []string{"cat"}, s.DuplicateLabels())

	classes, err := s.Classes(MergeDuplicates)
	require.NoError(t, err)
	require.Equal(t, 2, len(classes))
	require.Equal(t, "cat", classes[0].Label)
	require.Equal(t, 2, len(classes[0].Images))
	require.Same(t, a.Images[0], classes[0].Images[0])
	require.Same(t, c.Images[0], classes[0].Images[1])
	require.Equal(t, "dog", classes[1].Label)

	_, err = s.Classes(RejectDuplicates)
	var dup *DuplicateLabelError
	require.True(t, errors.As(err, &dup))
	require.Equal(t, []string{"cat"}, dup.Labels)

	p, err := ParseDuplicatePolicy("reject")
	require.NoError(t, err)
	require.Equal(t, RejectDuplicates, p)
	_, err = ParseDuplicatePolicy("shrug")
	require.Error(t, err)
}

func TestInfo(t *testing.T) {
	arena := tensor.NewArena()
	s := makeSet(t, arena)
	defer s.Release()
	info := s.Info()
	require.Equal(t, 9, info.Images)
	require.Equal(t, 3, len(info.Groups))
	require.Equal(t, []string{"[5 5 3]"}, info.Groups[1].Shapes)
	require.Equal(t, 0, info.Groups[1].Encoded)
	require.Empty(t, info.Duplicates)
}

func TestSaveLoadFile(t *testing.T) {
	arena := tensor.NewArena()
	s := makeSet(t, arena)
	defer s.Release()

	dir := t.TempDir()
	fn, err := SaveFile(s, dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, DefaultFilename), fn)

	loaded, err := LoadFile(logs.NewTestingLog(t), arena, fn)
	require.NoError(t, err)
	defer loaded.Release()
	require.Equal(t, s.NumImages(), loaded.NumImages())
	require.Equal(t, s.Groups[2].Images[1].UID, loaded.Groups[2].Images[1].UID)

	require.NoError(t, os.WriteFile(fn, []byte("{"), 0644))
	_, err = LoadFile(logs.NewTestingLog(t), arena, fn)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestSnapshot(t *testing.T) {
	arena := tensor.NewArena()
	s := makeSet(t, arena)
	first := s.Groups[0].Images[0]
	snap := s.Snapshot()
	require.Equal(t, 9, snap.NumImages())
	require.Equal(t, 9, arena.Live())
	require.Same(t, first.Tensor(), snap.Groups[0].Images[0].Tensor())
	require.Equal(t, first.UID, snap.Groups[0].Images[0].UID)

	// Editing and then releasing the original leaves the snapshot intact
	require.Equal(t, 1, s.RemoveGroup("cat"))
	s.Release()
	require.Equal(t, 9, arena.Live())
	require.Equal(t, "cat", snap.Groups[0].Label)
	require.False(t, snap.Groups[0].Images[0].Tensor().Released())

	snap.Release()
	require.Equal(t, 0, arena.Live())
}
