// Package magick reads FITS headers through ImageMagick. Pinging an image
// decodes its properties without reading pixels. Requires cgo and
// MagickWand.
package magick

import (
	"fmt"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"
)

const propertyPrefix = "fits:"

// Reader implements fitsmeta.Reader.
type Reader struct{}

func (Reader) ReadHeader(path string) (map[string]string, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	header := map[string]string{}
	for _, name := range mw.GetImageProperties(propertyPrefix + "*") {
		key := strings.ToUpper(strings.TrimPrefix(name, propertyPrefix))
		header[key] = strings.TrimSpace(strings.Trim(strings.TrimSpace(mw.GetImageProperty(name)), "'"))
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("%s: no FITS properties", path)
	}
	return header, nil
}
