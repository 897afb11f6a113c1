package image_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"stab/internal/imagetest"
	"stab/pkg/image"
)

func TestImports(t *testing.T) {
	for _, wide := range []bool{false, true} {
		machine := image.MachineI386
		if wide {
			machine = image.MachineAMD64
		}
		b := imagetest.New(machine, wide, 0x10000000)
		rva := b.NextRVA()
		data, size, iat := imagetest.Imports(rva, wide, []imagetest.Import{
			{DLL: "KERNEL32.dll", Symbols: []image.Selector{image.ByName("VirtualAlloc"), image.ByOrdinal(17)}},
			{DLL: "user32.dll", Symbols: []image.Selector{image.ByName("MessageBoxA")}},
		})
		b.AddSection(".idata", image.ScnMemRead|image.ScnMemWrite, data, 0)
		b.SetDirectory(image.DirImport, rva, size)

		im, err := image.Parse(b.Bytes())
		if err != nil {
			t.Fatal(err)
		}

		descs, err := im.Imports().Collect()
		if err != nil {
			t.Fatalf("wide=%v: Imports: %v", wide, err)
		}
		if len(descs) != 2 {
			t.Fatalf("wide=%v: %d descriptors, want 2", wide, len(descs))
		}
		name, err := im.DLLName(descs[1])
		if err != nil || name != "user32.dll" {
			t.Errorf("wide=%v: DLLName = %q, %v", wide, name, err)
		}
		if descs[0].FirstThunk != iat[0] {
			t.Errorf("wide=%v: FirstThunk = %#x, want %#x", wide, descs[0].FirstThunk, iat[0])
		}

		var sels []string
		thunks := im.Thunks(descs[0].LookupTable())
		for thunks.Next() {
			sel, err := im.ThunkSelector(thunks.Value())
			if err != nil {
				t.Fatal(err)
			}
			sels = append(sels, sel.String())
		}
		if thunks.Err() != nil {
			t.Fatal(thunks.Err())
		}
		if fmt.Sprint(sels) != "[VirtualAlloc #17]" {
			t.Errorf("wide=%v: thunk selectors = %v", wide, sels)
		}

		if err := im.PutThunk(iat[0], 0x1122334455667788); err != nil {
			t.Fatal(err)
		}
		var got uint64
		if wide {
			got, _ = im.Uint64(iat[0])
		} else {
			v, _ := im.Uint32(iat[0])
			got = uint64(v)
		}
		want := uint64(0x1122334455667788)
		if !wide {
			want = 0x55667788
		}
		if got != want {
			t.Errorf("wide=%v: PutThunk wrote %#x, want %#x", wide, got, want)
		}
	}
}

func TestNoImports(t *testing.T) {
	im, err := image.Parse(buildBasic(t, image.MachineAMD64, true))
	if err != nil {
		t.Fatal(err)
	}
	if im.Imports().Next() {
		t.Errorf("image without import directory yielded a descriptor")
	}
}

func relocImage(t *testing.T, chain []byte) *image.Image {
	t.Helper()
	b := imagetest.New(image.MachineAMD64, true, 0x10000000)
	rva := b.NextRVA()
	b.AddSection(".reloc", image.ScnMemRead|image.ScnMemDiscardable, chain, 0)
	b.SetDirectory(image.DirBaseReloc, rva, uint32(len(chain)))
	im, err := image.Parse(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return im
}

func TestRelocations(t *testing.T) {
	chain := imagetest.Relocs([]imagetest.RelocBlock{
		{Page: 0x1000, Entries: []uint16{
			imagetest.RelocEntry(image.RelDir64, 0x10),
			imagetest.RelocEntry(image.RelHighAdj, 0x20),
			0x8001,
			imagetest.RelocEntry(image.RelAbsolute, 0),
		}},
		{Page: 0x2000, Entries: []uint16{imagetest.RelocEntry(image.RelHighLow, 0xffc)}},
	})
	im := relocImage(t, chain)

	blocks, err := im.Relocations().Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("%d blocks, want 2", len(blocks))
	}
	if blocks[0].VirtualAddress != 0x1000 || blocks[0].Len() != 4 {
		t.Errorf("block 0 = %#x with %d entries", blocks[0].VirtualAddress, blocks[0].Len())
	}
	if e := blocks[0].Entry(1); e.Type != image.RelHighAdj || e.Offset != 0x20 {
		t.Errorf("entry 1 = %+v", e)
	}
	if p, ok := blocks[0].Param(1); !ok || p != 0x8001 {
		t.Errorf("Param(1) = %#x, %v", p, ok)
	}
	if _, ok := blocks[0].Param(3); ok {
		t.Errorf("Param past the end reported ok")
	}
	if e := blocks[1].Entry(0); e.Type != image.RelHighLow || e.Offset != 0xffc {
		t.Errorf("block 1 entry = %+v", e)
	}
}

func TestRelocationsStopAtZeroBlock(t *testing.T) {
	chain := imagetest.Relocs([]imagetest.RelocBlock{
		{Page: 0x1000, Entries: []uint16{imagetest.RelocEntry(image.RelDir64, 0)}},
	})
	chain = append(chain, make([]byte, 8)...)
	chain = append(chain, imagetest.Relocs([]imagetest.RelocBlock{
		{Page: 0x3000, Entries: []uint16{imagetest.RelocEntry(image.RelDir64, 0)}},
	})...)

	blocks, err := relocImage(t, chain).Relocations().Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Errorf("%d blocks, want 1 (chain ends at zero block)", len(blocks))
	}
}

func TestRelocationsBadBlockSize(t *testing.T) {
	chain := make([]byte, 16)
	binary.LittleEndian.PutUint32(chain[0:], 0x1000)
	binary.LittleEndian.PutUint32(chain[4:], 4)

	_, err := relocImage(t, chain).Relocations().Collect()
	if !errors.Is(err, image.ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func exportImage(t *testing.T, spec imagetest.ExportSpec) *image.Image {
	t.Helper()
	b := imagetest.New(image.MachineAMD64, true, 0x10000000)
	rva := b.NextRVA()
	data := imagetest.Exports(rva, spec)
	b.AddSection(".edata", image.ScnMemRead, data, 0)
	b.SetDirectory(image.DirExport, rva, uint32(len(data)))
	im, err := image.Parse(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return im
}

func TestExportFind(t *testing.T) {
	// Ordinals {3,1,4,2} with base 1 map to function indexes {2,0,3,1}.
	im := exportImage(t, imagetest.ExportSpec{
		DLL:       "sample.dll",
		Base:      1,
		Functions: []uint32{0x1000, 0x1100, 0x1200, 0x1300},
		Names:     []string{"Alloc", "Free", "Open", "Query"},
		NameIndex: []uint16{2, 0, 3, 1},
	})
	exports, err := im.Exports()
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := exports.ModuleName(); name != "sample.dll" {
		t.Errorf("ModuleName() = %q", name)
	}

	tests := []struct {
		sel   image.Selector
		index uint32
		rva   uint32
	}{
		{image.ByName("Free"), 0, 0x1000},
		{image.ByName("Alloc"), 2, 0x1200},
		{image.ByName("Query"), 1, 0x1100},
		{image.ByOrdinal(4), 3, 0x1300},
		{image.ByOrdinal(1), 0, 0x1000},
	}
	for _, tt := range tests {
		e, err := exports.Find(tt.sel)
		if err != nil {
			t.Errorf("Find(%v): %v", tt.sel, err)
			continue
		}
		if e.Index != tt.index || e.RVA != tt.rva || e.Forwarder {
			t.Errorf("Find(%v) = %+v, want index %d rva %#x", tt.sel, e, tt.index, tt.rva)
		}
	}

	for _, sel := range []image.Selector{image.ByName("Close"), image.ByName("Zzz"), image.ByName(""), image.ByOrdinal(0), image.ByOrdinal(5)} {
		if _, err := exports.Find(sel); !errors.Is(err, image.ErrExportNotFound) {
			t.Errorf("Find(%v) err = %v, want ErrExportNotFound", sel, err)
		}
	}
}

func TestExportFindMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		n := 1 + rng.Intn(40)
		seen := map[string]bool{}
		var names []string
		for len(names) < n {
			b := make([]byte, 1+rng.Intn(8))
			for i := range b {
				b[i] = byte('A' + rng.Intn(58))
			}
			if !seen[string(b)] {
				seen[string(b)] = true
				names = append(names, string(b))
			}
		}
		sort.Strings(names)

		funcs := make([]uint32, n)
		for i := range funcs {
			funcs[i] = 0x1000 + uint32(i)*0x10
		}
		perm := rng.Perm(n)
		index := make([]uint16, n)
		for i, p := range perm {
			index[i] = uint16(p)
		}
		base := uint32(1 + rng.Intn(10))

		exports, err := exportImage(t, imagetest.ExportSpec{
			DLL: "rand.dll", Base: base, Functions: funcs, Names: names, NameIndex: index,
		}).Exports()
		if err != nil {
			t.Fatal(err)
		}

		for i, name := range names {
			e, err := exports.Find(image.ByName(name))
			if err != nil {
				t.Fatalf("round %d: Find(%q): %v", round, name, err)
			}
			// linear oracle
			if e.Index != uint32(index[i]) || e.RVA != funcs[index[i]] {
				t.Errorf("round %d: Find(%q) = %+v, want index %d", round, name, e, index[i])
			}
			byOrd, err := exports.Find(image.ByOrdinal(uint16(e.Index + base)))
			if err != nil || byOrd.RVA != e.RVA {
				t.Errorf("round %d: ordinal lookup disagrees for %q: %+v, %v", round, name, byOrd, err)
			}
		}
		if _, err := exports.Find(image.ByName("~missing")); !errors.Is(err, image.ErrExportNotFound) {
			t.Errorf("round %d: missing name err = %v", round, err)
		}
	}
}

func TestExportForwarder(t *testing.T) {
	im := exportImage(t, imagetest.ExportSpec{
		DLL:        "a.dll",
		Base:       1,
		Functions:  []uint32{0x1000, 0},
		Forwarders: map[int]string{1: "B.F2"},
		Names:      []string{"F0", "F1"},
		NameIndex:  []uint16{0, 1},
	})
	exports, err := im.Exports()
	if err != nil {
		t.Fatal(err)
	}
	e, err := exports.Find(image.ByName("F1"))
	if err != nil {
		t.Fatal(err)
	}
	if !e.Forwarder {
		t.Fatalf("F1 not flagged as forwarder: %+v", e)
	}
	fwd, err := exports.Forwarder(e)
	if err != nil || fwd != "B.F2" {
		t.Errorf("Forwarder() = %q, %v", fwd, err)
	}

	all, err := exports.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Name != "F0" || all[1].Name != "F1" {
		t.Errorf("All() = %+v", all)
	}
}

func TestParseForwarder(t *testing.T) {
	tests := []struct {
		in     string
		module string
		sel    string
		ok     bool
	}{
		{"NTDLL.RtlAllocateHeap", "NTDLL", "RtlAllocateHeap", true},
		{"b.#12", "b", "#12", true},
		{"noDot", "", "", false},
		{".Name", "", "", false},
		{"Mod.", "", "", false},
		{"Mod.#x1", "", "", false},
		{"Mod.#70000", "", "", false},
	}
	for _, tt := range tests {
		module, sel, err := image.ParseForwarder(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseForwarder(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if !tt.ok {
			if !errors.Is(err, image.ErrBadForwarder) {
				t.Errorf("ParseForwarder(%q) err = %v, want ErrBadForwarder", tt.in, err)
			}
			continue
		}
		if module != tt.module || sel.String() != tt.sel {
			t.Errorf("ParseForwarder(%q) = %q, %v", tt.in, module, sel)
		}
	}
}

func TestCertificates(t *testing.T) {
	data := buildBasic(t, image.MachineAMD64, true)
	off := uint32(len(data))

	cert := make([]byte, 8+5)
	binary.LittleEndian.PutUint32(cert[0:], uint32(len(cert)))
	binary.LittleEndian.PutUint16(cert[4:], 0x0200)
	binary.LittleEndian.PutUint16(cert[6:], image.CertTypePKCSSignedData)
	copy(cert[8:], "hello")
	data = append(data, cert...)

	// PE32+ data directories start 112 bytes into the optional header.
	dd := 64 + 24 + 112 + 8*int(image.DirSecurity)
	binary.LittleEndian.PutUint32(data[dd:], off)
	binary.LittleEndian.PutUint32(data[dd+4:], uint32(len(cert)))
	im, err := image.Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	certs, err := im.Certificates()
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 1 || certs[0].Type != image.CertTypePKCSSignedData || string(certs[0].Data) != "hello" {
		t.Errorf("Certificates() = %+v", certs)
	}
}
