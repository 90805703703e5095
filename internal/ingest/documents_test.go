package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func docxBytes(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func xlsxBytes(t *testing.T, build func(f *excelize.File)) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	build(f)
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write xlsx: %v", err)
	}
	return buf.Bytes()
}

func TestExtractDOCX(t *testing.T) {
	data := docxBytes(t, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>alpha beta</w:t></w:r></w:p>
    <w:p><w:r><w:t>gamma</w:t></w:r><w:r><w:tab/><w:t>delta</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	text, err := ExtractDOCX(data)
	if err != nil {
		t.Fatalf("ExtractDOCX() error = %v", err)
	}
	if want := "alpha beta\ngamma\tdelta"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestExtractDOCXMissingBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create("[Content_Types].xml"); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	_, err := ExtractDOCX(buf.Bytes())
	if err == nil || !strings.Contains(err.Error(), "word/document.xml") {
		t.Errorf("error = %v, want missing word/document.xml", err)
	}
}

func TestExtractDOCXNotAnArchive(t *testing.T) {
	if _, err := ExtractDOCX([]byte("plain text, not a zip")); err == nil {
		t.Error("expected error for non-zip input")
	}
}

func TestExtractXLSXSingleSheet(t *testing.T) {
	data := xlsxBytes(t, func(f *excelize.File) {
		if err := f.SetCellValue("Sheet1", "A1", "alpha"); err != nil {
			t.Fatalf("set cell: %v", err)
		}
		if err := f.SetCellValue("Sheet1", "B1", "beta"); err != nil {
			t.Fatalf("set cell: %v", err)
		}
		if err := f.SetCellValue("Sheet1", "A2", "gamma"); err != nil {
			t.Fatalf("set cell: %v", err)
		}
	})

	text, err := ExtractXLSX(data)
	if err != nil {
		t.Fatalf("ExtractXLSX() error = %v", err)
	}
	if want := "alpha\tbeta\ngamma"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestExtractXLSXMultiSheet(t *testing.T) {
	data := xlsxBytes(t, func(f *excelize.File) {
		if err := f.SetCellValue("Sheet1", "A1", "alpha"); err != nil {
			t.Fatalf("set cell: %v", err)
		}
		if _, err := f.NewSheet("Budget"); err != nil {
			t.Fatalf("new sheet: %v", err)
		}
		if err := f.SetCellValue("Budget", "A1", "zeta"); err != nil {
			t.Fatalf("set cell: %v", err)
		}
	})

	text, err := ExtractXLSX(data)
	if err != nil {
		t.Fatalf("ExtractXLSX() error = %v", err)
	}
	for _, want := range []string{"[Sheet1]", "[Budget]", "alpha", "zeta"} {
		if !strings.Contains(text, want) {
			t.Errorf("text %q missing %q", text, want)
		}
	}
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	if _, err := ExtractPDF([]byte("not a pdf at all")); err == nil {
		t.Error("expected error for non-PDF input")
	}
}

func TestProcessDocument(t *testing.T) {
	docx := docxBytes(t, `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>hello</w:t></w:r></w:p></w:body></w:document>`)

	tests := []struct {
		name     string
		filename string
		data     []byte
		wantText string
		wantMIME string
	}{
		{"docx", "notes.DOCX", docx, "hello", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"csv passthrough", "data.csv", []byte("a,b\n1,2\n"), "a,b\n1,2\n", "text/csv"},
		{"plain text", "readme.txt", []byte("plain"), "plain", "text/plain"},
		{"markdown", "doc.md", []byte("# title"), "# title", "text/markdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ProcessDocument(tt.filename, tt.data, 0)
			if err != nil {
				t.Fatalf("ProcessDocument() error = %v", err)
			}
			if doc.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", doc.Text, tt.wantText)
			}
			if doc.MIMEType != tt.wantMIME {
				t.Errorf("MIMEType = %q, want %q", doc.MIMEType, tt.wantMIME)
			}
			if doc.Filename != tt.filename {
				t.Errorf("Filename = %q, want %q", doc.Filename, tt.filename)
			}
		})
	}
}

func TestProcessDocumentPDFKeepsOriginalBytes(t *testing.T) {
	original := []byte("%PDF-1.7 not actually parseable")

	doc, err := ProcessDocument("report.pdf", original, 0)
	if err != nil {
		t.Fatalf("ProcessDocument() error = %v", err)
	}
	if doc.MIMEType != "application/pdf" {
		t.Errorf("MIMEType = %q", doc.MIMEType)
	}
	decoded, err := base64.StdEncoding.DecodeString(doc.Base64)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Error("base64 payload does not round-trip to the original bytes")
	}
	if doc.Text != "" {
		t.Errorf("Text = %q, want empty for unparseable PDF", doc.Text)
	}
}

func TestProcessDocumentTooLarge(t *testing.T) {
	_, err := ProcessDocument("big.txt", []byte("12345"), 4)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("error = %v, want ErrFileTooLarge", err)
	}
}

func TestProcessDocumentUnsupported(t *testing.T) {
	_, err := ProcessDocument("archive.tar", []byte("data"), 0)
	if !errors.Is(err, ErrUnsupportedDocument) {
		t.Errorf("error = %v, want ErrUnsupportedDocument", err)
	}
}
