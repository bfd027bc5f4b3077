package storage

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/value"
)

func TestDumpGolden(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.sample(t, b, local)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "dump_sample", []byte(Dump(b)))
	assert.Equal(t, Dump(b), Dump(b.ToSnapshot()))
}

func TestDumpIgnoresIDs(t *testing.T) {
	w := newWS(t)
	a := w.builder()
	w.library(t, a, local, "x")
	w.library(t, a, local, "y")

	b := w.builder()
	filler := w.library(t, b, local, "filler")
	w.library(t, b, local, "y")
	w.library(t, b, local, "x")
	require.True(t, b.RemoveEntity(filler))

	assert.Equal(t, Dump(a), Dump(b))
}

func TestDumpStateMarksBookedSlots(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.module(t, b, local, "app", "java")
	id := b.book(w.reg.MustType("Library").ID)

	out := dumpState(b.st)
	assert.Contains(t, out, id.String()+" Library <booked>")
	assert.Contains(t, out, `Module [local:file:///ws] {"name":"app","type":"java"}`)

	b.fillBooked(id, &EntityData{Type: id.Type(), Source: local, Fields: value.Record{"name": value.String("l")}})
	assert.NotContains(t, dumpState(b.st), "<booked>")
}
