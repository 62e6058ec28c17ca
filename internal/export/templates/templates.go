// Package templates turns record snapshots into receipt markup.
package templates

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"math"
	"os"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"monkids/internal/models"
	"monkids/internal/pkg/errors"
)

// RootSelector is the element capture is clipped to.
const RootSelector = "#receipt-root"

//go:embed files/*.html.tmpl
var files embed.FS

var (
	tmpl = template.Must(template.New("receipts").Funcs(template.FuncMap{
		"vnd":     vnd,
		"num":     num,
		"percent": percent,
		"date":    date,
	}).ParseFS(files, "files/*.html.tmpl"))
)

// Renderer renders jobs into full HTML documents. The zero value renders
// student receipts without a payment QR code.
type Renderer struct {
	qr template.URL
}

func New() *Renderer {
	return &Renderer{}
}

// WithQR returns a renderer that embeds the given data URI as the payment QR
// image on student receipts.
func (r *Renderer) WithQR(dataURI string) *Renderer {
	return &Renderer{qr: template.URL(dataURI)}
}

type studentView struct {
	S      *models.Student
	Period models.Period
	QR     template.URL
}

type teacherView struct {
	T      *models.Teacher
	Period models.Period
}

// Render returns the markup for job.
func (r *Renderer) Render(job models.Job) (string, error) {
	var (
		name string
		data any
	)
	switch rec := job.Record.(type) {
	case *models.Student:
		name, data = "student", studentView{S: rec, Period: job.Period, QR: r.qr}
	case *models.Teacher:
		name, data = "teacher", teacherView{T: rec, Period: job.Period}
	default:
		return "", errors.Validationf("no template for record %T", job.Record)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", errors.Wrapf(err, "templates.Render", "execute %s template", name)
	}
	return buf.String(), nil
}

// LoadQRDataURI reads a PNG from path and returns it as a data URI. A missing
// file yields "" and no error.
func LoadQRDataURI(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(b), nil
}

// vnd formats an amount as Vietnamese dong, e.g. 1.500.000đ.
func vnd(v float64) string {
	return message.NewPrinter(language.Vietnamese).Sprintf("%d", int64(math.Round(v))) + "đ"
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// percent renders a stored 0..1 ratio as a percentage.
func percent(v float64) string {
	return num(math.Round(v*10000) / 100)
}

func date(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d/%d/%d", t.Day(), int(t.Month()), t.Year())
}
