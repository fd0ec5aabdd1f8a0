package httpapi

import (
	"encoding/json"
	"net/http"

	"nexus/internal/nexuserr"
)

var statusForCode = map[nexuserr.Code]int{
	nexuserr.CodeInvalidArgument: http.StatusBadRequest,
	nexuserr.CodeNotFound:        http.StatusNotFound,
	nexuserr.CodeConflict:        http.StatusConflict,
	nexuserr.CodeUnauthenticated: http.StatusUnauthorized,
	nexuserr.CodeDuplicate:       http.StatusConflict,
	nexuserr.CodeInvalidState:    http.StatusConflict,
	nexuserr.CodeLaunchFailed:    http.StatusInternalServerError,
	nexuserr.CodeInternal:        http.StatusInternalServerError,
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	code := nexuserr.CodeOf(err)
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
