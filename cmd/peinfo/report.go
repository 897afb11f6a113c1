package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/saferwall/pe"
	"go.mozilla.org/pkcs7"

	"stab/pkg/image"
)

func hex(width int, v uint64) string {
	return fmt.Sprintf("%#0*x", width+2, v)
}

type field struct {
	name  string
	value string
}

func headerFields(im *image.Image) []field {
	fh := im.FileHeader()
	common := func(entry, subsystem, base, size, code, headers, align, sum, fileAlign, magic, nrva string) []field {
		return []field{
			{"machine", im.Machine().String()},
			{"entry point", entry},
			{"subsystem", subsystem},
			{"image base", base},
			{"sections", hex(4, uint64(fh.NumberOfSections))},
			{"size of image", size},
			{"timestamp", time.Unix(int64(fh.TimeDateStamp), 0).UTC().Format(time.RFC3339)},
			{"base of code", code},
			{"size of headers", headers},
			{"characteristics", hex(4, uint64(fh.Characteristics))},
			{"section alignment", align},
			{"checksum", sum},
			{"file alignment", fileAlign},
			{"optional header size", hex(4, uint64(fh.SizeOfOptionalHeader))},
			{"magic", magic},
			{"rva and sizes", nrva},
		}
	}
	if o := im.Optional64(); o != nil {
		return common(hex(8, uint64(o.AddressOfEntryPoint)), hex(4, uint64(o.Subsystem)),
			hex(16, o.ImageBase), hex(8, uint64(o.SizeOfImage)), hex(8, uint64(o.BaseOfCode)),
			hex(8, uint64(o.SizeOfHeaders)), hex(8, uint64(o.SectionAlignment)), hex(8, uint64(o.CheckSum)),
			hex(8, uint64(o.FileAlignment)), hex(4, uint64(o.Magic)), hex(8, uint64(o.NumberOfRvaAndSizes)))
	}
	o := im.Optional32()
	f := common(hex(8, uint64(o.AddressOfEntryPoint)), hex(4, uint64(o.Subsystem)),
		hex(8, uint64(o.ImageBase)), hex(8, uint64(o.SizeOfImage)), hex(8, uint64(o.BaseOfCode)),
		hex(8, uint64(o.SizeOfHeaders)), hex(8, uint64(o.SectionAlignment)), hex(8, uint64(o.CheckSum)),
		hex(8, uint64(o.FileAlignment)), hex(4, uint64(o.Magic)), hex(8, uint64(o.NumberOfRvaAndSizes)))
	return append(f, field{"base of data", hex(8, uint64(o.BaseOfData))})
}

func printHeaders(w io.Writer, im *image.Image) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "== headers")
	for _, f := range headerFields(im) {
		fmt.Fprintf(tw, "%s:\t%s\n", f.name, f.value)
	}

	fmt.Fprintln(tw, "\n== directories")
	fmt.Fprintln(tw, "index\tname\trva\tsize")
	for i := image.DirectoryEntry(0); i < image.NumDirectoryEntries; i++ {
		d := im.Directory(i)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", int(i), i, hex(8, uint64(d.VirtualAddress)), hex(8, uint64(d.Size)))
	}

	fmt.Fprintln(tw, "\n== sections")
	fmt.Fprintln(tw, "name\trva\tvsize\traw offset\traw size\tflags")
	for _, s := range im.Sections() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s,
			hex(8, uint64(s.VirtualAddress)), hex(8, uint64(s.VirtualSize)),
			hex(8, uint64(s.PointerToRawData)), hex(8, uint64(s.SizeOfRawData)),
			hex(8, uint64(s.Characteristics)))
	}
	return tw.Flush()
}

type importEntry struct {
	DLL     string
	Symbols []string
}

func importList(im *image.Image) ([]importEntry, error) {
	var out []importEntry
	descs := im.Imports()
	for descs.Next() {
		d := descs.Value()
		name, err := im.DLLName(d)
		if err != nil {
			return out, err
		}
		e := importEntry{DLL: name}
		thunks := im.Thunks(d.LookupTable())
		for thunks.Next() {
			sel, err := im.ThunkSelector(thunks.Value())
			if err != nil {
				return out, err
			}
			e.Symbols = append(e.Symbols, sel.String())
		}
		if err := thunks.Err(); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, descs.Err()
}

type exportEntry struct {
	Name      string
	Ordinal   uint32
	RVA       uint32
	Forwarder string
}

func exportList(im *image.Image) ([]exportEntry, error) {
	t, err := im.Exports()
	if errors.Is(err, image.ErrNoExports) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	all, err := t.All()
	if err != nil {
		return nil, err
	}
	out := make([]exportEntry, 0, len(all))
	for _, e := range all {
		fwd, err := t.Forwarder(e)
		if err != nil {
			return out, err
		}
		out = append(out, exportEntry{Name: e.Name, Ordinal: e.Ordinal, RVA: e.RVA, Forwarder: fwd})
	}
	return out, nil
}

func printImports(w io.Writer, imports []importEntry) {
	fmt.Fprintln(w, "== imports")
	for _, e := range imports {
		fmt.Fprintf(w, "%s\n", e.DLL)
		for _, s := range e.Symbols {
			fmt.Fprintf(w, "    %s\n", s)
		}
	}
}

func printExports(w io.Writer, exports []exportEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "== exports")
	fmt.Fprintln(tw, "ordinal\trva\tname")
	for _, e := range exports {
		target := e.Name
		if e.Forwarder != "" {
			target += " -> " + e.Forwarder
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Ordinal, hex(8, uint64(e.RVA)), target)
	}
	return tw.Flush()
}

// reference parses data with saferwall/pe and returns its view of the
// import and export tables.
func reference(data []byte) ([]importEntry, []exportEntry, error) {
	f, err := pe.NewBytes(data, &pe.Options{})
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return nil, nil, err
	}

	var imports []importEntry
	for _, imp := range f.Imports {
		e := importEntry{DLL: imp.Name}
		for _, fn := range imp.Functions {
			if fn.ByOrdinal {
				e.Symbols = append(e.Symbols, fmt.Sprintf("#%d", fn.Ordinal))
			} else {
				e.Symbols = append(e.Symbols, fn.Name)
			}
		}
		imports = append(imports, e)
	}

	var exports []exportEntry
	for _, fn := range f.Export.Functions {
		if fn.FunctionRVA == 0 {
			continue
		}
		exports = append(exports, exportEntry{
			Name:      fn.Name,
			Ordinal:   fn.Ordinal,
			RVA:       fn.FunctionRVA,
			Forwarder: fn.Forwarder,
		})
	}
	return imports, exports, nil
}

// diffImports lists the differences between two import tables.
func diffImports(ours, theirs []importEntry) []string {
	index := func(l []importEntry) map[string]string {
		m := make(map[string]string, len(l))
		for _, e := range l {
			m[strings.ToLower(e.DLL)] = strings.Join(e.Symbols, ",")
		}
		return m
	}
	a, b := index(ours), index(theirs)

	var out []string
	for dll, syms := range a {
		other, ok := b[dll]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("import %s: missing from reference", dll))
		case other != syms:
			out = append(out, fmt.Sprintf("import %s: %s, reference has %s", dll, syms, other))
		}
	}
	for dll := range b {
		if _, ok := a[dll]; !ok {
			out = append(out, fmt.Sprintf("import %s: only in reference", dll))
		}
	}
	sort.Strings(out)
	return out
}

// diffExports compares by ordinal.
func diffExports(ours, theirs []exportEntry) []string {
	byOrdinal := func(l []exportEntry) map[uint32]exportEntry {
		m := make(map[uint32]exportEntry, len(l))
		for _, e := range l {
			m[e.Ordinal] = e
		}
		return m
	}
	a, b := byOrdinal(ours), byOrdinal(theirs)

	var out []string
	for ord, e := range a {
		other, ok := b[ord]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("export #%d: missing from reference", ord))
		case other != e:
			out = append(out, fmt.Sprintf("export #%d: %+v, reference has %+v", ord, e, other))
		}
	}
	for ord := range b {
		if _, ok := a[ord]; !ok {
			out = append(out, fmt.Sprintf("export #%d: only in reference", ord))
		}
	}
	sort.Strings(out)
	return out
}

type signer struct {
	Subject string
	Issuer  string
	Serial  string
	Expires time.Time
}

func signers(im *image.Image) ([]signer, error) {
	certs, err := im.Certificates()
	if err != nil {
		return nil, err
	}
	var out []signer
	for _, c := range certs {
		if c.Type != image.CertTypePKCSSignedData {
			continue
		}
		p7, err := pkcs7.Parse(c.Data)
		if err != nil {
			return out, fmt.Errorf("pkcs7: %w", err)
		}
		for _, x := range p7.Certificates {
			out = append(out, signer{
				Subject: x.Subject.String(),
				Issuer:  x.Issuer.String(),
				Serial:  x.SerialNumber.String(),
				Expires: x.NotAfter,
			})
		}
	}
	return out, nil
}

func printSigners(w io.Writer, list []signer) {
	fmt.Fprintln(w, "== certificates")
	if len(list) == 0 {
		fmt.Fprintln(w, "unsigned")
	}
	for _, s := range list {
		fmt.Fprintf(w, "subject: %s\n  issuer: %s\n  serial: %s\n  expires: %s\n",
			s.Subject, s.Issuer, s.Serial, s.Expires.Format(time.RFC3339))
	}
}
