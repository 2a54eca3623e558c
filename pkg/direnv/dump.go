package direnv

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Dump encodes obj the way `direnv dump gzenv` does: JSON, zlib compressed,
// then URL-safe base64.
func Dump(obj map[string]string) (string, error) {
	jsonData, err := json.Marshal(obj)
	if err != nil {
		return "", errors.Wrapf(err, "encoding env")
	}

	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)

	_, err = w.Write(jsonData)
	if err == nil {
		err = w.Close()
	}

	if err != nil {
		return "", errors.Wrapf(err, "compressing env")
	}

	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}
