package workflow

import (
	"bytes"
	"fmt"
	"html"
	htmltemplate "html/template"
	"regexp"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/pkg/errors"
)

const (
	commercialFolderName = "Comercial"
	purchasesFolderName  = "Solicitudes de Compra de Equipos"
)

// notice 发给供应商的一类通知
type notice struct {
	name          string // 模板名称, 同时作为副作用名称的后缀
	archivePrefix string // 归档文件名前缀
	actionLabel   string // 归档报告标题
	subjectFormat string
}

var (
	noticeAvailability = notice{
		name:          "availability",
		archivePrefix: "disponibilidad",
		actionLabel:   "Informe de disponibilidad de equipos",
		subjectFormat: "Disponibilidad de equipos - %s",
	}
	noticeQuoteRequest = notice{
		name:          "quote_request",
		archivePrefix: "proforma",
		actionLabel:   "Solicitud de proforma",
		subjectFormat: "Proforma requerida - %s",
	}
	noticeReservation = notice{
		name:          "reservation",
		archivePrefix: "reserva",
		actionLabel:   "Confirmación de reserva",
		subjectFormat: "Reserva de equipos - %s",
	}
	noticeArrivalETA = notice{
		name:          "arrival_eta",
		archivePrefix: "tiempo-llegada",
		actionLabel:   "Solicitud de tiempo de llegada",
		subjectFormat: "Tiempo de llegada - %s",
	}
)

var templateFuncs = map[string]any{
	"conditionText": GetEquipmentConditionText,
}

var emailTemplates = htmltemplate.Must(htmltemplate.New("email").Funcs(templateFuncs).Parse(`
{{- define "equipment" -}}
{{- if . -}}
<ul>{{range .}}<li>{{.Name}}{{if .Serial}} (Serie: {{.Serial}}){{end}} ({{conditionText .Condition}})</li>{{end}}</ul>
{{- else -}}
<p>Sin equipos disponibles</p>
{{- end -}}
{{- end -}}

{{- define "availability" -}}
<h2>Solicitud de disponibilidad</h2>
<p>Cliente: <strong>{{.ClientName}}</strong></p>
<p>Equipos requeridos:</p>
{{template "equipment" .Items}}
{{if .Notes}}<p>Notas: {{.Notes}}</p>{{end}}
{{- end -}}

{{- define "quote_request" -}}
<p>Hola,</p>
<p>Por favor envíanos la proforma de los siguientes equipos para <strong>{{.ClientName}}</strong>:</p>
{{template "equipment" .Items}}
{{- end -}}

{{- define "reservation" -}}
<p>Solicitamos reservar los equipos cotizados para <strong>{{.ClientName}}</strong>.</p>
<p>Adjuntamos la proforma recibida y confirmamos reserva para:</p>
{{template "equipment" .Items}}
{{- end -}}

{{- define "arrival_eta" -}}
<p>Hemos recibido la proforma firmada de <strong>{{.ClientName}}</strong>.</p>
<p>Por favor confirma el tiempo de llegada de los siguientes equipos:</p>
{{template "equipment" .Items}}
{{- end -}}
`))

var reportTemplate = texttemplate.Must(texttemplate.New("report").Funcs(templateFuncs).Parse(`{{.ActionLabel}}
==========================================

Fecha y hora: {{.At}}
Asunto: {{.Subject}}
{{if .Author}}Usuario: {{.Author}}
{{end}}Cliente: {{.ClientName}}
Proveedor: {{.ProviderEmail}}
Solicitud: {{.RequestID}}
{{if .ProviderNotes}}Notas del proveedor: {{.ProviderNotes}}
{{end}}
Equipos aceptados
{{if .Accepted}}{{range .Accepted}}  - {{.Name}}{{if .Serial}} - Serie: {{.Serial}}{{end}} ({{conditionText .Condition}})
{{end}}{{else}}  Sin equipos aceptados registrados
{{end}}
Equipos solicitados
{{range .Requested}}  - {{.Name}}{{if .Serial}} - Serie: {{.Serial}}{{end}} ({{conditionText .Condition}})
{{end}}
Detalle del mensaje enviado
{{.Body}}
`))

type emailData struct {
	ClientName string
	Items      []*EquipmentLineItem
	Notes      string
}

type reportData struct {
	ActionLabel   string
	At            string
	Subject       string
	Author        string
	ClientName    string
	ProviderEmail string
	RequestID     string
	ProviderNotes string
	Accepted      []*EquipmentLineItem
	Requested     []*EquipmentLineItem
	Body          string
}

// renderNotice 生成发给供应商的邮件, 回复地址是操作人
func renderNotice(n notice, req *ProcurementRequest, actor *Actor, items []*EquipmentLineItem) (*Message, error) {
	var body bytes.Buffer
	err := emailTemplates.ExecuteTemplate(&body, n.name, &emailData{
		ClientName: req.ClientName,
		Items:      items,
		Notes:      req.Notes,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "render %s email failed", n.name)
	}
	return &Message{
		From:     actor.Email,
		To:       []string{req.ProviderEmail},
		ReplyTo:  actor.Email,
		Subject:  fmt.Sprintf(n.subjectFormat, req.ClientName),
		HTMLBody: body.String(),
	}, nil
}

// renderReport 归档用的纯文本报告, 记录发送了什么
func renderReport(n notice, msg *Message, req *ProcurementRequest, actor *Actor, at time.Time) ([]byte, error) {
	data := &reportData{
		ActionLabel:   n.actionLabel,
		At:            at.UTC().Format(time.RFC3339),
		Subject:       msg.Subject,
		Author:        actor.DisplayName(),
		ClientName:    req.ClientName,
		ProviderEmail: req.ProviderEmail,
		RequestID:     req.ID,
		Accepted:      req.AcceptedItems(),
		Requested:     req.Equipment,
		Body:          stripHTML(msg.HTMLBody),
	}
	if req.ProviderResponse != nil {
		data.ProviderNotes = req.ProviderResponse.Notes
	}
	if data.Body == "" {
		data.Body = "Sin detalle de mensaje"
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return nil, errors.WithMessagef(err, "render %s report failed", n.name)
	}
	return buf.Bytes(), nil
}

func archiveDocumentName(n notice, at time.Time) string {
	return fmt.Sprintf("%s-%s.txt", n.archivePrefix, at.UTC().Format("20060102T150405Z"))
}

var (
	blockTagPattern   = regexp.MustCompile(`(?i)</?(p|br|li|ul|ol|h[1-6]|div|tr|table)\b[^>]*>`)
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	unsafeNamePattern = regexp.MustCompile(`[/\\:*?"<>|]`)
)

func stripHTML(s string) string {
	// 块级标签换成空格, 行内标签直接去掉
	s = blockTagPattern.ReplaceAllString(s, " ")
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// requestFolderName 每个采购申请一个归档目录: <短id> - <客户> - <日期>
func requestFolderName(req *ProcurementRequest) string {
	shortID := req.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	safeName := unsafeNamePattern.ReplaceAllString(strings.TrimSpace(req.ClientName), "-")
	return fmt.Sprintf("%s - %s - %s", shortID, safeName, req.CreatedAt.UTC().Format(time.DateOnly))
}
