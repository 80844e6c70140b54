// Package loader implements the kernel's ELF program loader: it parses a
// 32-bit little-endian ELF image and populates a target AddressSpace from
// its PT_LOAD segments. No dynamic linking, no relocations, no
// interpreter — the boot modules are static, curated executables.
package loader

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/carverh/dennix/memory"
	"github.com/carverh/dennix/log"
)

const (
	ptLoad = 1

	ehdrSize = 52
	phdrSize = 32

	protRWX = memory.ProtRead | memory.ProtWrite | memory.ProtExec
)

var (
	// ErrTooShort is returned when elf is too small to hold a header or
	// the program header table it claims to have.
	ErrTooShort = errors.New("elf image too short")

	// ErrBadMagic is returned when the image does not start with the ELF
	// magic bytes.
	ErrBadMagic = errors.New("not an ELF image")

	// ErrNot32BitLE is returned for anything other than ELFCLASS32 /
	// ELFDATA2LSB: the only dialect this loader accepts.
	ErrNot32BitLE = errors.New("elf image is not 32-bit little-endian")
)

type header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type progHeader struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// image is the parsed, validated shape of an ELF file: everything the
// loader needs to know to populate an address space, independent of which
// address space it ends up in. It is the unit the LoaderCache caches.
type image struct {
	entry    uint32
	segments []progHeader
}

func parse(elf []byte) (*image, error) {
	if len(elf) < ehdrSize {
		return nil, errors.Wrap(ErrTooShort, "header")
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(elf[:ehdrSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding elf header")
	}

	if hdr.Ident[0] != 0x7f || string(hdr.Ident[1:4]) != "ELF" {
		return nil, ErrBadMagic
	}
	if hdr.Ident[4] != 1 || hdr.Ident[5] != 1 {
		return nil, ErrNot32BitLE
	}

	phEnd := uint64(hdr.Phoff) + uint64(hdr.Phnum)*phdrSize
	if phEnd > uint64(len(elf)) {
		return nil, errors.Wrap(ErrTooShort, "program header table")
	}

	img := &image{entry: hdr.Entry}

	for i := 0; i < int(hdr.Phnum); i++ {
		off := hdr.Phoff + uint32(i)*phdrSize
		var ph progHeader
		if err := binary.Read(bytes.NewReader(elf[off:off+phdrSize]), binary.LittleEndian, &ph); err != nil {
			return nil, errors.Wrapf(err, "decoding program header %d", i)
		}
		if ph.Type != ptLoad {
			continue
		}
		img.segments = append(img.segments, ph)
	}

	return img, nil
}

// LoaderCache memoizes parsed ELF images by content hash, so a module
// image appearing more than once in the multiboot module list (a shared
// libc blob handed to several init programs, say) is parsed and
// validated only once.
type LoaderCache struct {
	cache *lru.ARCCache
}

// NewLoaderCache creates a cache holding up to size parsed images.
func NewLoaderCache(size int) *LoaderCache {
	c, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return &LoaderCache{cache: c}
}

func hashKey(elf []byte) string {
	sum := blake2b.Sum256(elf)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// Loader parses 32-bit ELF images and populates AddressSpaces from their
// PT_LOAD segments.
type Loader struct {
	cache *LoaderCache
}

// NewLoader constructs a Loader. cache may be nil to disable memoization.
func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{cache: cache}
}

func (l *Loader) parseCached(elf []byte) (*image, error) {
	var key string
	if l.cache != nil {
		key = hashKey(elf)
		if v, ok := l.cache.cache.Get(key); ok {
			return v.(*image), nil
		}
	}

	img, err := parse(elf)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.cache.cache.Add(key, img)
	}

	return img, nil
}

// Load reads elf (a complete, linearly addressable ELF image) and
// populates target from its PT_LOAD segments, using kernel as the
// address space through which a temporary writable window onto target's
// new frames is opened. It returns the ELF's entry point.
//
// For each PT_LOAD segment: p_paddr is aligned down to a page boundary
// (the boot ELFs are linked for identity-like placement, so p_paddr is
// used rather than p_vaddr); [base, base+size) is reserved in target with
// RWX; a window onto those frames is opened in kernel, zeroed across
// [offset, offset+p_memsz) and then the first p_filesz bytes of that
// zeroed region are overwritten from the file — BSS pages come out zero
// without a separate zero-fill pass. Segments with p_filesz > p_memsz are
// malformed and not defended against.
func (l *Loader) Load(elf []byte, target, kernel *memory.AddressSpace) (uint32, error) {
	img, err := l.parseCached(elf)
	if err != nil {
		return 0, err
	}

	for _, ph := range img.segments {
		base := memory.AlignDown(uintptr(ph.Paddr))
		offset := uintptr(ph.Paddr) - base
		size := memory.AlignUp(uintptr(ph.Memsz) + offset)
		nPages := int(size) / memory.PageSize

		if err := target.Map(base, nPages, protRWX); err != nil {
			return 0, errors.Wrapf(err, "mapping PT_LOAD at %#x", base)
		}

		window, err := kernel.MapFromOtherAddressSpace(target, base, int(size), memory.ProtWrite)
		if err != nil {
			return 0, errors.Wrapf(err, "windowing PT_LOAD at %#x", base)
		}

		zero := make([]byte, ph.Memsz)
		if err := kernel.Write(window+offset, zero); err != nil {
			return 0, errors.Wrap(err, "zeroing segment")
		}

		if ph.Filesz > 0 {
			fileEnd := ph.Offset + ph.Filesz
			if uint64(fileEnd) > uint64(len(elf)) {
				return 0, errors.Wrap(ErrTooShort, "segment file contents")
			}
			if err := kernel.Write(window+offset, elf[ph.Offset:fileEnd]); err != nil {
				return 0, errors.Wrap(err, "copying segment contents")
			}
		}

		if err := kernel.UnmapPhysical(window, int(size)); err != nil {
			return 0, errors.Wrap(err, "tearing down window")
		}

		log.L.Trace("elf-segment-loaded", "vaddr", base, "size", size)
	}

	return img.entry, nil
}
