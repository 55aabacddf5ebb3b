package extract

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// samplePDF extracts plain text from a PDF, truncated to the sample budget.
// Malformed PDFs degrade to an empty sample; the file's metadata is still
// indexable.
func (e *Extractor) samplePDF(abs string) (string, error) {
	text, err := pdfText(abs, e.sampleSize)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return "", err
		}
		return "", nil
	}
	return text, nil
}

func pdfText(abs string, limit int) (text string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", nil
		}
	}()

	f, r, err := pdf.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", nil
	}

	var b strings.Builder
	if _, err := io.Copy(&b, io.LimitReader(reader, int64(limit*4))); err != nil {
		return "", nil
	}
	return truncateRunes(b.String(), limit), nil
}

// sampleHTML extracts the visible text of an HTML file, skipping script and
// style elements, truncated to the sample budget.
func (e *Extractor) sampleHTML(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return "", nil
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if b.Len() >= e.sampleSize*4 {
				return
			}
			walk(c)
		}
	}
	walk(doc)

	return truncateRunes(b.String(), e.sampleSize), nil
}

// ReadText returns the full decoded text of a workspace-relative path, for
// the read_file tool. PDFs and HTML go through the same extraction paths as
// sampling but without the sample budget; binary content yields "".
func (e *Extractor) ReadText(rel string) (string, error) {
	abs, err := ResolvePath(e.root, rel)
	if err != nil {
		return "", err
	}

	const fullBudget = 1 << 20 // cap full reads at 1 MiB of characters

	switch strings.ToLower(filepath.Ext(abs)) {
	case ".pdf":
		return pdfText(abs, fullBudget)
	case ".html", ".htm":
		full := &Extractor{root: e.root, sampleSize: fullBudget}
		return full.sampleHTML(abs)
	default:
		raw, err := os.ReadFile(abs)
		if err != nil {
			return "", err
		}
		if len(raw) > fullBudget*4 {
			raw = raw[:fullBudget*4]
		}
		return decodeSample(raw, fullBudget), nil
	}
}
