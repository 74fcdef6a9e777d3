package extract_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/extract"
	"github.com/m-mizutani/ina/pkg/model"
)

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly</w:t></w:r><w:r><w:t xml:space="preserve"> report</w:t></w:r></w:p>
    <w:p><w:r><w:t>Revenue</w:t><w:tab/><w:t>42</w:t></w:r></w:p>
  </w:body>
</w:document>`

func buildDOCX(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		gt.NoError(t, err)
		_, err = w.Write([]byte(body))
		gt.NoError(t, err)
	}
	gt.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectFileType(t *testing.T) {
	testCases := []struct {
		name string
		want model.FileType
		ok   bool
	}{
		{name: "report.pdf", want: model.FileTypePDF, ok: true},
		{name: "Report.PDF", want: model.FileTypePDF, ok: true},
		{name: "notes.docx", want: model.FileTypeDOCX, ok: true},
		{name: "legacy.doc", want: model.FileTypeDOC, ok: true},
		{name: "memo.txt", want: model.FileTypeTXT, ok: true},
		{name: "image.png", ok: false},
		{name: "noext", ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ft, ok := extract.DetectFileType(tc.name)
			gt.Equal(t, ok, tc.ok)
			gt.Equal(t, ft, tc.want)
		})
	}
}

func TestTextTXT(t *testing.T) {
	text, err := extract.Text(context.Background(), model.FileTypeTXT, []byte("hello\xffworld"))
	gt.NoError(t, err)
	gt.Equal(t, text, "hello\uFFFDworld")
}

func TestTextDOCX(t *testing.T) {
	data := buildDOCX(t, map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"word/document.xml":   documentXML,
	})

	text, err := extract.Text(context.Background(), model.FileTypeDOCX, data)
	gt.NoError(t, err)
	gt.Equal(t, text, "Quarterly report\nRevenue\t42")
}

func TestTextDOCXWithoutBody(t *testing.T) {
	data := buildDOCX(t, map[string]string{"word/styles.xml": `<styles/>`})

	_, err := extract.Text(context.Background(), model.FileTypeDOCX, data)
	gt.Error(t, err)
	gt.True(t, model.IsQueryError(err))
}

func TestTextInvalidDocuments(t *testing.T) {
	for _, ft := range []model.FileType{model.FileTypePDF, model.FileTypeDOCX} {
		t.Run(string(ft), func(t *testing.T) {
			_, err := extract.Text(context.Background(), ft, []byte("not a document"))
			gt.Error(t, err)
			gt.True(t, model.IsQueryError(err))
		})
	}
}

func TestTextUnsupported(t *testing.T) {
	for _, ft := range []model.FileType{model.FileTypeDOC, model.FileType("png")} {
		t.Run(string(ft), func(t *testing.T) {
			_, err := extract.Text(context.Background(), ft, []byte("data"))
			gt.Error(t, err)
			gt.True(t, model.IsQueryError(err))
		})
	}
}

func TestNormalize(t *testing.T) {
	testCases := map[string]string{
		"":                          "",
		"   ":                       "",
		"a  b":                      "a b",
		"\n\tline one\n\nline two ": "line one line two",
		"null\x00byte":              "nullbyte",
	}

	for input, want := range testCases {
		gt.Equal(t, extract.Normalize(input), want)
	}
}
