// Package extract pulls plain text out of uploaded documents.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/utils/logging"
)

const (
	// MaxPDFPages limits the number of pages read from one PDF
	MaxPDFPages = 500

	docxBody = "word/document.xml"
)

// DetectFileType returns the document type of fileName by its extension
func DetectFileType(fileName string) (model.FileType, bool) {
	return model.DetectFileType(fileName)
}

// Text returns the text content of data interpreted as fileType. Documents
// that cannot be read, and types without an extractor, are query errors.
func Text(ctx context.Context, fileType model.FileType, data []byte) (string, error) {
	var (
		text string
		err  error
	)

	switch fileType {
	case model.FileTypePDF:
		text, err = pdfText(ctx, data)
	case model.FileTypeDOCX:
		text, err = docxText(data)
	case model.FileTypeTXT:
		text = strings.ToValidUTF8(string(data), string(unicode.ReplacementChar))
	default:
		return "", goerr.New("unsupported file type",
			goerr.V("file_type", fileType),
			goerr.T(model.TagQuery))
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to extract text",
			goerr.V("file_type", fileType),
			goerr.V("size", len(data)),
			goerr.T(model.TagQuery))
	}

	return text, nil
}

// Normalize collapses every whitespace run to one space and trims the ends
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(text, "\x00", "")), " ")
}

func pdfText(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", goerr.Wrap(err, "failed to open PDF")
	}

	total := reader.NumPage()
	if total == 0 {
		return "", goerr.New("PDF has no pages")
	}
	if total > MaxPDFPages {
		return "", goerr.New("PDF has too many pages",
			goerr.V("pages", total),
			goerr.V("max", MaxPDFPages))
	}

	var b strings.Builder
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			logging.From(ctx).Warn("skip unreadable PDF page", "page", i, logging.ErrAttr(err))
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}

	return b.String(), nil
}

func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", goerr.Wrap(err, "failed to open DOCX archive")
	}

	for _, f := range zr.File {
		if f.Name != docxBody {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return "", goerr.Wrap(err, "failed to open DOCX body")
		}
		defer rc.Close()

		return wordprocessingText(rc)
	}

	return "", goerr.New("DOCX has no document body", goerr.V("entry", docxBody))
}

// wordprocessingText walks WordprocessingML and keeps run text, with a line
// break per paragraph
func wordprocessingText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", goerr.Wrap(err, "failed to parse DOCX body")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteString("\t")
			case "br", "cr":
				b.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}
