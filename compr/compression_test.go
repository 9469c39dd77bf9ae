// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package compr

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ctl := bytes.Repeat([]byte("shard-0001:"), 1000)
	for _, name := range []string{"s2", "zstd", "zstd-better"} {
		comp := Compression(name)
		dec := Decompression(name)
		if comp == nil || dec == nil {
			t.Fatalf("no codec for %s", name)
		}
		packed := Pack(comp, ctl, []byte("hdr"))
		if string(packed[:3]) != "hdr" {
			t.Fatalf("%s: Pack clobbered the prefix", name)
		}
		if len(packed) >= len(ctl) {
			t.Errorf("%s: %d bytes did not compress (%d)", name, len(ctl), len(packed))
		}
		out, err := Unpack(dec, packed[3:])
		if err != nil {
			t.Fatalf("%s: %s", name, err)
		}
		if !bytes.Equal(out, ctl) {
			t.Fatalf("%s: mismatch", name)
		}
	}
}

func TestDecompressSize(t *testing.T) {
	comp := Compression("s2")
	dec := Decompression("s2")
	src := bytes.Repeat([]byte("x"), 100)
	cmp := comp.Compress(src, nil)
	if err := dec.Decompress(cmp, make([]byte, 99)); err == nil {
		t.Fatal("expected an error for a short destination")
	}
	if _, err := Unpack(dec, nil); err == nil {
		t.Fatal("expected an error for an empty payload")
	}
	if Compression("lz4") != nil || Decompression("lz4") != nil {
		t.Fatal("unexpected codec for lz4")
	}
}
