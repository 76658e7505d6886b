package bytecode

import (
	"github.com/fxamacker/cbor/v2"
	"tlog.app/go/errors"
)

type (
	// Image is the file form of an assembled program.
	Image struct {
		Version int     `cbor:"1,keyasint"`
		Header  *Header `cbor:"2,keyasint"`
		Code    []byte  `cbor:"3,keyasint"`
	}
)

const ImageVersion = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(errors.Wrap(err, "bytecode: cbor enc mode"))
	}

	encMode = em
}

// MarshalImage encodes header and code deterministically.
func MarshalImage(h *Header, code []byte) ([]byte, error) {
	return encMode.Marshal(Image{
		Version: ImageVersion,
		Header:  h,
		Code:    code,
	})
}

func UnmarshalImage(data []byte) (*Header, []byte, error) {
	var img Image

	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal image")
	}

	if img.Version != ImageVersion {
		return nil, nil, errors.New("unsupported image version %d", img.Version)
	}

	if img.Header == nil {
		return nil, nil, errors.New("image has no header")
	}

	for _, f := range img.Header.Funcs {
		if !f.Extern() && (f.Offset < 0 || f.Offset+f.Size > len(img.Code)) {
			return nil, nil, errors.New("func %v: body out of bounds", f.Name)
		}
	}

	return img.Header, img.Code, nil
}
