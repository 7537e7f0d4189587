package station

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"cloudpico-stations/internal/format"
	"cloudpico-stations/internal/reading"
)

const TypeTessW = "tessw"

const Cover reading.Datum = "cover"

var TessWDatums = reading.NewDatumSet(TypeTessW, Cover)

// The status page shows, inside its <h4> block:
//
//	T. IR :   24.21 &ordm;C<br> T. Sens:   29.09 &ordm;C<br> Mag. :  16.23 mv/as2 ...
var (
	tessIRTemplate   = format.MustCompile("T. IR: {f} ")
	tessSensTemplate = format.MustCompile("T. Sens: {f} ")
)

// TessWAcquirer reads the sky and ambient temperatures from a TESS-W
// photometer's status page and derives the cloud cover percentage.
type TessWAcquirer struct {
	url    string
	client *http.Client
}

func NewTessW(cfg HTTPConfig) (*TessWAcquirer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tessw: base url is required")
	}
	return &TessWAcquirer{url: cfg.BaseURL, client: cfg.client()}, nil
}

func (a *TessWAcquirer) Acquire(ctx context.Context, sample *reading.Sample) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return fmt.Errorf("tessw: new request: %w", err)
	}
	body, err := doGet(a.client, req)
	if err != nil {
		return err
	}

	tIR, tSens, err := parseTessStatus(body)
	if err != nil {
		return fmt.Errorf("tessw: %w", err)
	}
	return sample.Set(Cover, CloudCover(tIR, tSens))
}

// CloudCover estimates the cover percentage from the sky (IR) and sensor
// temperatures. A clear sky is much colder than the sensor.
func CloudCover(tIR, tSens float64) float64 {
	return math.Max(100-3*(tSens-tIR), 0)
}

func parseTessStatus(body []byte) (tIR, tSens float64, err error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", format.ErrFormatMismatch, err)
	}
	h4 := findElement(doc, atom.H4)
	if h4 == nil {
		return 0, 0, fmt.Errorf("%w: no <h4> block", format.ErrFormatMismatch)
	}

	text := strings.Join(strings.Fields(textContent(h4)), " ") + " "
	text = strings.ReplaceAll(text, " :", ":")

	ir, err := tessIRTemplate.Parse(text)
	if err != nil {
		return 0, 0, err
	}
	sens, err := tessSensTemplate.Parse(text)
	if err != nil {
		return 0, 0, err
	}
	return ir[0], sens[0], nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// textContent joins the text nodes below n with spaces, so <br> separates
// the values.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
