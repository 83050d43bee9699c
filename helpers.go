package main

import (
	"net/http"

	"github.com/kr/pretty"
)

const mimeText = "text/plain"

func answer(w http.ResponseWriter, status int, mime, msg string) {
	w.Header().Set(headerContentType, mime)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func internalServerError(w http.ResponseWriter, err error) bool {
	return respondError(w, err, http.StatusInternalServerError)
}

func badRequest(w http.ResponseWriter, err error) bool {
	return respondError(w, err, http.StatusBadRequest)
}

func respondError(w http.ResponseWriter, err error, status int) bool {
	if err == nil {
		return false
	}

	pretty.Println(err)
	http.Error(w, err.Error(), status)
	return true
}
