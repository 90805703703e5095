// Package ingest converts uploaded files into forms the rest of the system
// can use: plain text extracted from office documents, base64 payloads for
// provider upload, and two image renditions (a larger one for model
// inference, a small WebP for storage).
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrUnsupportedDocument is returned for file types no extractor handles.
	ErrUnsupportedDocument = errors.New("unsupported document type")
)

// Document is the processed form of an uploaded file.
type Document struct {
	Filename string
	MIMEType string

	// Text is the extracted plain text. Empty when nothing could be
	// extracted (scanned PDFs, parse failures on provider-readable types).
	Text string

	// Base64 holds the original bytes for provider upload. Set only for
	// formats the provider reads natively (currently PDF).
	Base64 string
}

var documentMIMETypes = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pdf":  "application/pdf",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
}

// ProcessDocument extracts text from an uploaded file. maxBytes of zero
// disables the size check. PDF extraction is best-effort: the provider reads
// PDFs natively from the Base64 payload, so a local parse failure leaves
// Text empty rather than failing the upload.
func ProcessDocument(filename string, data []byte, maxBytes int64) (*Document, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), maxBytes)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	doc := &Document{Filename: filename, MIMEType: documentMIMETypes[ext]}

	switch ext {
	case ".docx":
		text, err := ExtractDOCX(data)
		if err != nil {
			return nil, err
		}
		doc.Text = text
	case ".xlsx":
		text, err := ExtractXLSX(data)
		if err != nil {
			return nil, err
		}
		doc.Text = text
	case ".pdf":
		doc.Base64 = base64.StdEncoding.EncodeToString(data)
		if text, err := ExtractPDF(data); err == nil {
			doc.Text = text
		}
	case ".csv", ".txt", ".md":
		doc.Text = string(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDocument, ext)
	}
	return doc, nil
}

// ExtractDOCX pulls the visible text out of a Word document. A DOCX file is
// a zip archive; the body lives in word/document.xml as runs of <w:t> text
// inside <w:p> paragraphs.
func ExtractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("open docx: missing word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer rc.Close()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ExtractXLSX renders every sheet of a workbook as tab-separated rows. Sheet
// names are emitted as [Name] headers when the workbook has more than one.
func ExtractXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	sheets := f.GetSheetList()
	for i, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(sheets) > 1 {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "[%s]\n", sheet)
		}
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteByte('\n')
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ExtractPDF concatenates the plain text of every page. Pages that fail to
// parse are skipped; many PDFs carry no extractable text at all.
func ExtractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var pages []string
	for n := 1; n <= reader.NumPage(); n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
