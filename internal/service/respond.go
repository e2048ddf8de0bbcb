package service

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"tailscale-proxy-go/internal/model"
)

// Diagnostic headers. They are the only channel for reporting relay failures.
const (
	HeaderError        = "ts-error"
	HeaderErrorName    = "ts-error-name"
	HeaderErrorMessage = "ts-error-message"
)

var headerNewlines = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// PackageResponse wraps a destination response. The body is always base64
// encoded, whatever its content type.
func PackageResponse(resp *model.ProxyResponse) *model.Envelope {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &model.Envelope{
		StatusCode:      status,
		Header:          header,
		Body:            base64.StdEncoding.EncodeToString(resp.Body),
		IsBase64Encoded: true,
	}
}

// PackageFailure turns err into an envelope with an empty body. Malformed
// requests get 400 and ts-error; everything else gets 500 with the error
// kind and message.
func PackageFailure(err error) *model.Envelope {
	if err == nil {
		err = errors.New("unknown error")
	}
	header := make(http.Header)

	var relayErr *model.Error
	if errors.As(err, &relayErr) && relayErr.Kind == model.KindMalformedRequest {
		header.Set(HeaderError, headerNewlines.Replace(relayErr.Error()))
		return &model.Envelope{StatusCode: http.StatusBadRequest, Header: header}
	}

	header.Set(HeaderErrorName, model.KindOf(err).String())
	header.Set(HeaderErrorMessage, headerNewlines.Replace(err.Error()))
	return &model.Envelope{StatusCode: http.StatusInternalServerError, Header: header}
}
