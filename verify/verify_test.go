package verify

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anacrolix/chunksched/sink"
)

func TestHashVerifierOkAndBadHash(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := sink.NewMemSink()

	good := []byte("0123456789abcdef")
	c.Assert(s.WriteChunk(ctx, 1, 0, 0, good), qt.IsNil)

	v := NewHashVerifier(s)
	v.SetExpectedHash(1, 0, int64(len(good)), Digest(good))

	res, err := v.CheckPiece(ctx, 1, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, OK)

	v.SetExpectedHash(1, 0, int64(len(good)), Digest([]byte("different bytes!")))
	res, err = v.CheckPiece(ctx, 1, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, BadHash)
}

func TestHashVerifierMissingHash(t *testing.T) {
	c := qt.New(t)
	v := NewHashVerifier(sink.NewMemSink())
	_, err := v.CheckPiece(context.Background(), 1, 0)
	c.Assert(err, qt.Not(qt.IsNil))
}
