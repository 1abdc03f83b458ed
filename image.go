package eeprom

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Images are flat files holding one byte per address for single chip modes,
// and the high byte followed by the low byte of each address in dual-byte
// mode. Files ending in .hex or .ihx are read and written as Intel HEX with
// the same layout, unprogrammed bytes reading as 0xFF.

func isHexFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hex", ".ihx":
		return true
	}
	return false
}

// EncodeImage lays out a block as image data for mode.
func EncodeImage(b *Block, m Mode) []byte {
	data := make([]byte, 0, m.ImageSize())
	for _, w := range b {
		switch m {
		case HighOnly:
			data = append(data, w.High)
		case LowOnly:
			data = append(data, w.Low)
		default:
			data = append(data, w.High, w.Low)
		}
	}
	return data
}

// DecodeImage converts image data for mode to a block. Halves not used by the
// mode are left zero.
func DecodeImage(data []byte, m Mode) (*Block, error) {
	if len(data) != m.ImageSize() {
		return nil, errors.Wrapf(ErrImageSize, "%v image must be %v bytes, got %v", m, m.ImageSize(), len(data))
	}
	b := new(Block)
	for i := range b {
		switch m {
		case HighOnly:
			b[i].High = data[i]
		case LowOnly:
			b[i].Low = data[i]
		default:
			b[i] = Word{High: data[2*i], Low: data[2*i+1]}
		}
	}
	return b, nil
}

func parseHex(r io.Reader, size int) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "failed to parse hex file")
	}
	for _, segment := range mem.GetDataSegments() {
		if int(segment.Address)+len(segment.Data) > size {
			return nil, errors.Wrapf(ErrImageSize, "data segment at %X length %v exceeds %v bytes", segment.Address, len(segment.Data), size)
		}
		pkgLog.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	return mem.ToBinary(0, uint32(size), 0xFF), nil
}

// LoadImage reads an image file for mode, rejecting files of the wrong size.
func LoadImage(name string, m Mode) (*Block, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var data []byte
	if isHexFile(name) {
		data, err = parseHex(file, m.ImageSize())
	} else {
		data, err = io.ReadAll(file)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %v", name)
	}
	return DecodeImage(data, m)
}

// CheckOutput fails when name exists and overwrite is not set.
func CheckOutput(name string, overwrite bool) error {
	if overwrite {
		return nil
	}
	if _, err := os.Stat(name); err == nil {
		return errors.Wrapf(ErrImageExists, "%v", name)
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SaveImage writes b as an image file for mode.
func SaveImage(name string, b *Block, m Mode, overwrite bool) error {
	data := EncodeImage(b, m)
	if isHexFile(name) {
		mem := gohex.NewMemory()
		if err := mem.AddBinary(0, data); err != nil {
			return errors.Wrap(err, "failed to build hex image")
		}
		buf := new(bytes.Buffer)
		if err := mem.DumpIntelHex(buf, 16); err != nil {
			return errors.Wrap(err, "failed to format hex image")
		}
		data = buf.Bytes()
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(name, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrImageExists, "%v", name)
		}
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to write %v", name)
	}
	return file.Close()
}
