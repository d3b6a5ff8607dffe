package qdrant

import (
	"strconv"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/vector"
)

// stringValue replaces invalid UTF-8, which protobuf refuses to marshal.
func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: strings.ToValidUTF8(s, "\uFFFD")}}
}

func intValue(n int) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}}
}

// encodePayload omits the page key for non-paginated documents.
func encodePayload(p domain.Payload) map[string]*pb.Value {
	m := map[string]*pb.Value{
		vector.KeyDocID:    stringValue(p.DocID),
		vector.KeyFilename: stringValue(p.Filename),
		vector.KeyTokens:   intValue(p.TokenCount),
		vector.KeyText:     stringValue(p.Text),
		vector.KeyHash:     stringValue(p.ContentHash),
	}
	if p.Page != nil {
		m[vector.KeyPage] = intValue(*p.Page)
	}
	return m
}

func decodePayload(m map[string]*pb.Value) domain.Payload {
	p := domain.Payload{
		DocID:       m[vector.KeyDocID].GetStringValue(),
		Filename:    m[vector.KeyFilename].GetStringValue(),
		Text:        m[vector.KeyText].GetStringValue(),
		ContentHash: m[vector.KeyHash].GetStringValue(),
	}
	if n, ok := intOf(m[vector.KeyTokens]); ok {
		p.TokenCount = n
	}
	if n, ok := intOf(m[vector.KeyPage]); ok {
		p.Page = domain.IntPtr(n)
	}
	return p
}

func intOf(v *pb.Value) (int, bool) {
	switch k := v.GetKind().(type) {
	case *pb.Value_IntegerValue:
		return int(k.IntegerValue), true
	case *pb.Value_DoubleValue:
		return int(k.DoubleValue), true
	}
	return 0, false
}

func matchKeyword(key, value string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
	}}}
}

func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}
