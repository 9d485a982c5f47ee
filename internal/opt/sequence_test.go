package opt

import (
	"reflect"
	"testing"
)

func ids(stops []StopInput) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.JobID
	}
	return out
}

func TestSequenceGroupsByZipThenStreet(t *testing.T) {
	in := []StopInput{
		{JobID: "job_91730_200Elm", ZipCode: "91730", AddressLine1: "200 Elm"},
		{JobID: "job_91710", ZipCode: "91710", AddressLine1: "100 Oak"},
		{JobID: "job_91730_100Elm", ZipCode: "91730", AddressLine1: "100 Elm"},
	}
	got := ids(Sequence(in))
	want := []string{"job_91710", "job_91730_100Elm", "job_91730_200Elm"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSequenceIsPure(t *testing.T) {
	in := []StopInput{
		{JobID: "a", ZipCode: "91730", AddressLine1: "9 Pine"},
		{JobID: "b", ZipCode: "91701", AddressLine1: "1 Pine"},
		{JobID: "c", ZipCode: "", AddressLine1: "5 Ash"},
		{JobID: "d", ZipCode: "91701", AddressLine1: "1 Birch"},
	}
	before := append([]StopInput(nil), in...)
	first := Sequence(in)
	second := Sequence(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("two calls disagree: %v vs %v", ids(first), ids(second))
	}
	if !reflect.DeepEqual(in, before) {
		t.Fatal("input slice was modified")
	}
}

func TestSequenceMalformedAndMissingZipsSortLast(t *testing.T) {
	in := []StopInput{
		{JobID: "missing", ZipCode: "  "},
		{JobID: "malformed", ZipCode: "ABCDE"},
		{JobID: "high", ZipCode: "99501"},
		{JobID: "low", ZipCode: "02134"},
	}
	got := ids(Sequence(in))
	want := []string{"low", "high", "malformed", "missing"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSequenceUsesFirstFiveCharacters(t *testing.T) {
	in := []StopInput{
		{JobID: "plus4", ZipCode: "91730-1234", AddressLine1: "1 A St"},
		{JobID: "lower", ZipCode: "91729", AddressLine1: "9 Z St"},
	}
	if got := ids(Sequence(in)); got[0] != "lower" {
		t.Fatalf("ZIP+4 should compare on its five-digit prefix, got %v", got)
	}
}

func TestSequenceStreetCollationIgnoresCase(t *testing.T) {
	in := []StopInput{
		{JobID: "upper", ZipCode: "91730", AddressLine1: "B Street"},
		{JobID: "lower", ZipCode: "91730", AddressLine1: "a street"},
	}
	if got := ids(Sequence(in)); got[0] != "lower" {
		t.Fatalf("locale-aware compare should put 'a street' first, got %v", got)
	}
}

func TestSequenceWithUnknownAlgorithm(t *testing.T) {
	if _, err := SequenceWith("genetic", nil); err == nil {
		t.Fatal("expected error")
	}
	if ValidAlgorithm("genetic") || !ValidAlgorithm("") || !ValidAlgorithm(AlgoZipStreet2Opt) {
		t.Fatal("ValidAlgorithm disagrees with SequenceWith")
	}
}

func TestTwoOptKeepsGroupsAndUntangles(t *testing.T) {
	// Street order puts the far point in the middle; 2-opt should move it last.
	in := []StopInput{
		{JobID: "a", ZipCode: "91730", AddressLine1: "1 A", Lat: 34.00, Lng: -117.00, HasGeo: true},
		{JobID: "b", ZipCode: "91730", AddressLine1: "2 B", Lat: 34.10, Lng: -117.00, HasGeo: true},
		{JobID: "c", ZipCode: "91730", AddressLine1: "3 C", Lat: 34.01, Lng: -117.00, HasGeo: true},
		{JobID: "z", ZipCode: "91740", AddressLine1: "1 Z", Lat: 34.00, Lng: -117.00, HasGeo: true},
	}
	got, err := SequenceWith(AlgoZipStreet2Opt, in)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "c", "b", "z"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("got %v want %v", ids(got), want)
	}
}

func TestTwoOptSkipsGroupsWithoutGeo(t *testing.T) {
	in := []StopInput{
		{JobID: "a", ZipCode: "91730", AddressLine1: "1 A", Lat: 34.00, Lng: -117.00, HasGeo: true},
		{JobID: "b", ZipCode: "91730", AddressLine1: "2 B", Lat: 34.10, Lng: -117.00, HasGeo: true},
		{JobID: "c", ZipCode: "91730", AddressLine1: "3 C"},
	}
	got, _ := SequenceWith(AlgoZipStreet2Opt, in)
	if !reflect.DeepEqual(ids(got), []string{"a", "b", "c"}) {
		t.Fatalf("group with ungeocoded stop must keep street order, got %v", ids(got))
	}
}

func TestTwoOptGroupsByNormalizedZip(t *testing.T) {
	// Padding differs but the codes sort as one group, so 2-opt sees all four.
	in := []StopInput{
		{JobID: "a", ZipCode: "91730", AddressLine1: "1 A St", Lat: 34.00, Lng: -117.00, HasGeo: true},
		{JobID: "b", ZipCode: " 91730", AddressLine1: "2 B St", Lat: 34.03, Lng: -117.00, HasGeo: true},
		{JobID: "c", ZipCode: "91730", AddressLine1: "3 C St", Lat: 34.01, Lng: -117.00, HasGeo: true},
		{JobID: "d", ZipCode: " 91730", AddressLine1: "4 D St", Lat: 34.02, Lng: -117.00, HasGeo: true},
	}
	got, err := SequenceWith(AlgoZipStreet2Opt, in)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "c", "d", "b"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("got %v want %v", ids(got), want)
	}
}
