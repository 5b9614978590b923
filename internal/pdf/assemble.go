// Package pdf merges rasterised page images into a single PDF.
package pdf

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"docsign.org/internal/signing"
)

// fixedDate keeps output byte-for-byte stable for the same pages.
var fixedDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Assembler renders one PDF page per image, sized to the image in points.
type Assembler struct {
	Title string
}

var _ signing.Assembler = Assembler{}

// Assemble returns the merged PDF. Any undecodable page yields signing.ErrRender.
func (a Assembler) Assemble(pages []signing.PageImage) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no pages", signing.ErrRender)
	}

	doc := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt", Size: fpdf.SizeType{Wd: 612, Ht: 792}})
	doc.SetCompression(true)
	doc.SetCatalogSort(true)
	doc.SetCreationDate(fixedDate)
	doc.SetModificationDate(fixedDate)
	doc.SetAutoPageBreak(false, 0)
	doc.SetMargins(0, 0, 0)
	if a.Title != "" {
		doc.SetTitle(a.Title, true)
	}

	for i, page := range pages {
		data, imgType, err := decodeImage(page.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", signing.ErrRender, i+1, err)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", signing.ErrRender, i+1, err)
		}
		w, h := float64(cfg.Width), float64(cfg.Height)

		name := fmt.Sprintf("page-%d", i+1)
		opts := fpdf.ImageOptions{ImageType: imgType, ReadDpi: false}
		doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
		if doc.Err() {
			return nil, fmt.Errorf("%w: page %d: %v", signing.ErrRender, i+1, doc.Error())
		}
		doc.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
		doc.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", signing.ErrRender, err)
	}
	return buf.Bytes(), nil
}

// decodeImage accepts a data URL ("data:image/png;base64,...") or bare base64.
func decodeImage(src string) ([]byte, string, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, "", fmt.Errorf("empty image")
	}
	payload := src
	if strings.HasPrefix(src, "data:") {
		comma := strings.IndexByte(src, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data url")
		}
		meta := src[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("data url is not base64 encoded")
		}
		payload = src[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	switch http.DetectContentType(data) {
	case "image/png":
		return data, "PNG", nil
	case "image/jpeg":
		return data, "JPG", nil
	default:
		return nil, "", fmt.Errorf("unsupported image type")
	}
}
