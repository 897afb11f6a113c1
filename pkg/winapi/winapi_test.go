package winapi_test

import (
	"errors"
	"runtime"
	"testing"

	"stab/pkg/image"
	"stab/pkg/winapi"
)

func TestNewUnknownKind(t *testing.T) {
	if _, err := winapi.New("dynamic", nil); err == nil {
		t.Errorf("New(dynamic) succeeded, want error")
	}
}

func providers(t *testing.T) map[string]winapi.Provider {
	t.Helper()
	out := map[string]winapi.Provider{}
	for _, kind := range []string{winapi.KindStatic, winapi.KindBootstrap} {
		p, err := winapi.New(kind, nil)
		if runtime.GOOS != "windows" {
			if !errors.Is(err, winapi.ErrUnsupported) {
				t.Errorf("New(%s) err = %v, want ErrUnsupported", kind, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		out[kind] = p
	}
	return out
}

func TestMemoryLifecycle(t *testing.T) {
	for kind, p := range providers(t) {
		const size = 0x3000
		base, err := p.VirtualAlloc(0, size, winapi.MEM_RESERVE, winapi.PAGE_READWRITE)
		if err != nil {
			t.Fatalf("%s: reserve: %v", kind, err)
		}
		if _, err := p.VirtualAlloc(base+0x1000, 0x1000, winapi.MEM_COMMIT, winapi.PAGE_READWRITE); err != nil {
			t.Fatalf("%s: commit: %v", kind, err)
		}

		mbi, err := p.VirtualQuery(base + 0x1000)
		if err != nil {
			t.Fatal(err)
		}
		if mbi.State != winapi.MEM_COMMIT || mbi.AllocationBase != base || mbi.Protect != winapi.PAGE_READWRITE {
			t.Errorf("%s: committed page = %+v", kind, mbi)
		}

		old, err := p.VirtualProtect(base+0x1000, 0x1000, winapi.PAGE_READONLY)
		if err != nil || old != winapi.PAGE_READWRITE {
			t.Errorf("%s: VirtualProtect old = %#x, %v", kind, old, err)
		}

		if err := p.VirtualFree(base, 0, winapi.MEM_RELEASE); err != nil {
			t.Fatalf("%s: release: %v", kind, err)
		}
		if mbi, err := p.VirtualQuery(base); err != nil || mbi.State != winapi.MEM_FREE {
			t.Errorf("%s: after release = %+v, %v", kind, mbi, err)
		}
	}
}

func TestModules(t *testing.T) {
	for kind, p := range providers(t) {
		h, err := p.GetModuleHandleA("kernel32.dll")
		if err != nil {
			t.Fatalf("%s: GetModuleHandleA: %v", kind, err)
		}
		if w, err := p.GetModuleHandleW("KERNEL32.DLL"); err != nil || w != h {
			t.Errorf("%s: GetModuleHandleW = %#x, %v, want %#x", kind, w, err, h)
		}
		if _, err := p.GetModuleHandleA("no-such-module.dll"); err == nil {
			t.Errorf("%s: GetModuleHandleA found a missing module", kind)
		}

		byName, err := p.GetProcAddress(h, image.ByName("GetProcAddress"))
		if err != nil || byName == 0 {
			t.Errorf("%s: GetProcAddress by name = %#x, %v", kind, byName, err)
		}

		lib, err := p.LoadLibraryW("version.dll")
		if err != nil {
			t.Fatalf("%s: LoadLibraryW: %v", kind, err)
		}
		if again, err := p.LoadLibraryA("version.dll"); err != nil || again != lib {
			t.Errorf("%s: LoadLibraryA = %#x, %v, want %#x", kind, again, err, lib)
		}
		p.FreeLibrary(lib)
		if err := p.FreeLibrary(lib); err != nil {
			t.Errorf("%s: FreeLibrary: %v", kind, err)
		}
	}
}
