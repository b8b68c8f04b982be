package models

import (
	"encoding/json"
	"net/http"
)

// Problem - ответ об ошибке вне API-конверта (RFC 7807): паника, отказ
// авторизации, неготовность. Поле Result держит клиентам /api/v1 привычное
// "status":"error", а Status остаётся HTTP-кодом, как требует RFC.
type Problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Result string `json:"result"`
	Extra  any    `json:"extra,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra any) {
	writeJSON(w, "application/problem+json", status, Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Result: StatusError,
		Extra:  extra,
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, "application/json", status, v)
}

func writeJSON(w http.ResponseWriter, ctype string, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", ctype)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

/* ───── конверт API: {"status": "success"|"error", ...} ───── */

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorBody - тело ошибки API; Errors заполняется при ошибках валидации.
type ErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Errors  any    `json:"errors,omitempty"`
}

// WriteError пишет ошибку в конверте API.
func WriteError(w http.ResponseWriter, status int, msg string, details any) {
	WriteJSON(w, status, ErrorBody{Status: StatusError, Message: msg, Errors: details})
}

// WriteData пишет {"status":"success","data":...}.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, map[string]any{"status": StatusSuccess, "data": data})
}
