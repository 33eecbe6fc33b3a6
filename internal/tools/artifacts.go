package tools

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/toolgate/internal/audit"
	"github.com/ashita-ai/toolgate/internal/ctxutil"
)

type artifactLogArgs struct {
	Tag     string          `json:"tag"`
	Content json.RawMessage `json:"content"`
	Meta    json.RawMessage `json:"meta"`
	Corr    string          `json:"corr"`
	Actor   string          `json:"actor"`
	Tool    string          `json:"tool"`
}

type artifactListArgs struct {
	Tag        string `json:"tag"`
	Limit      int    `json:"limit"`
	Order      string `json:"order"`
	MonthsBack int    `json:"months_back"`
}

func (a *artifactListArgs) Defaults() {
	a.Limit = audit.DefaultLimit
	a.Order = string(audit.Desc)
	a.MonthsBack = audit.DefaultMonthsBack
}

type logResult struct {
	OK   bool   `json:"ok"`
	File string `json:"file"`
	TS   string `json:"ts"`
}

type listResult struct {
	Count   int            `json:"count"`
	Records []audit.Record `json:"records"`
}

func artifactLog(l *audit.Log) func(context.Context, artifactLogArgs) (any, error) {
	return func(ctx context.Context, in artifactLogArgs) (any, error) {
		call := ctxutil.CallMetaFrom(ctx)
		corr := in.Corr
		if corr == "" {
			corr = call.RequestID
		}
		actor := in.Actor
		if actor == "" {
			actor = callActor(call)
		}
		var meta any
		if len(in.Meta) > 0 && string(in.Meta) != "null" {
			meta = in.Meta
		}
		rec, err := l.Append(ctx, audit.Entry{
			Tag:     in.Tag,
			Content: in.Content,
			Meta:    meta,
			Corr:    corr,
			Actor:   actor,
			Tool:    in.Tool,
		})
		if err != nil {
			return nil, err
		}
		return logResult{OK: true, File: rec.File, TS: rec.TS}, nil
	}
}

// callActor names the caller when the tool arguments do not, e.g.
// "http:10.0.0.1:52114" or "stdio".
func callActor(m ctxutil.CallMeta) string {
	if m.RemoteAddr == "" {
		return m.Transport
	}
	return m.Transport + ":" + m.RemoteAddr
}

func artifactList(l *audit.Log) func(context.Context, artifactListArgs) (any, error) {
	return func(ctx context.Context, in artifactListArgs) (any, error) {
		recs, err := l.List(ctx, audit.Query{
			Tag:        in.Tag,
			Limit:      in.Limit,
			Order:      audit.Order(in.Order),
			MonthsBack: in.MonthsBack,
		})
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []audit.Record{}
		}
		return listResult{Count: len(recs), Records: recs}, nil
	}
}
