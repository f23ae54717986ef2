package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterInput_SearchQuery(t *testing.T) {
	in := MasterInput{Company: "Acme Corp"}
	assert.Equal(t, "Acme Corp company overview", in.SearchQuery())

	in.Query = "Acme Corp funding history"
	assert.Equal(t, "Acme Corp funding history", in.SearchQuery())
}

func TestValidateInput_OK(t *testing.T) {
	cases := []struct {
		kind TaskKind
		raw  []byte
	}{
		{KindMaster, MustMarshal(MasterInput{Company: "Acme"})},
		{KindSearch, MustMarshal(SearchInput{Query: "Acme overview", MaxResults: 5})},
		{KindCrawl, MustMarshal(CrawlInput{URL: "https://acme.example"})},
		{KindExtract, MustMarshal(ExtractInput{URL: "https://acme.example", Content: "about acme"})},
		{KindStore, MustMarshal(StoreInput{EntityID: "e1", Records: []StructuredData{}})},
	}
	for _, tc := range cases {
		assert.NoError(t, ValidateInput(tc.kind, tc.raw), string(tc.kind))
	}
}

func TestValidateInput_MissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		kind TaskKind
		raw  []byte
	}{
		{"master without company", KindMaster, []byte(`{"url":"https://acme.example"}`)},
		{"master blank company", KindMaster, []byte(`{"company":"   "}`)},
		{"search without query", KindSearch, []byte(`{"max_results":3}`)},
		{"crawl without url", KindCrawl, []byte(`{}`)},
		{"extract without content", KindExtract, []byte(`{"url":"https://acme.example"}`)},
		{"store without entity", KindStore, []byte(`{"records":[]}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInput(tc.kind, tc.raw)
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.kind, ve.Kind)
		})
	}
}

func TestValidateInput_RejectsUnknownFieldsAndKinds(t *testing.T) {
	err := ValidateInput(KindCrawl, []byte(`{"url":"https://acme.example","depth":3}`))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))

	err = ValidateInput(TaskKind("summarize"), []byte(`{}`))
	require.True(t, errors.As(err, &ve))

	err = ValidateInput(KindSearch, nil)
	require.True(t, errors.As(err, &ve))

	err = ValidateInput(KindSearch, []byte(`{"query":`))
	require.True(t, errors.As(err, &ve))
}
