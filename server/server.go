// Package server contains the HTTP plumbing shared by the control-plane
// wrappers: a goji-pattern route table and small typed JSON payloads.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"sort"

	goji "goji.io"
)

// RouteTable maps goji patterns to handlers
type RouteTable map[goji.Pattern]http.HandlerFunc

// Bind registers every route on the mux
func (rt RouteTable) Bind(m *goji.Mux) {
	for p, h := range rt {
		m.HandleFunc(p, h)
	}
}

// Endpoints lists the patterns in the table, sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for p := range rt {
		routes = append(routes, fmt.Sprint(p))
	}
	sort.Strings(routes)
	return routes
}

// HTTPer is an object exposing a route table
type HTTPer interface {
	RT() RouteTable
}

// FloatT is a strongly typed float for JSON requests, {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a strongly typed int for JSON requests, {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a strongly typed string for JSON requests, {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a strongly typed bool for JSON requests, {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a typed value that knows how to reply to an HTTP
// request with itself in a human-friendly JSON encoding
type HumanPayload struct {
	// T holds the type of the payload
	T types.BasicKind

	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload to w as JSON
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	enc := json.NewEncoder(w)
	switch hp.T {
	case types.Bool:
		err = enc.Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = enc.Encode(IntT{Int: hp.Int})
	case types.Float64:
		err = enc.Encode(FloatT{F64: hp.Float})
	case types.String:
		err = enc.Encode(StrT{Str: hp.String})
	default:
		err = fmt.Errorf("unknown payload type %v", hp.T)
	}
	if err != nil {
		fstr := fmt.Sprintf("error encoding payload to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}
