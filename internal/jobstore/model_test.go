package jobstore

import (
	"testing"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusDownloading, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, false},
		{StatusPending, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusDownloading, true}, // retry re-entry
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusDownloading, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOriginValidate(t *testing.T) {
	valid := []Origin{
		{Kind: OriginURL, URL: "https://host/x.difypkg"},
		{Kind: OriginURL, URL: "http://host/x.difypkg"},
		{Kind: OriginMarketplace, Marketplace: &MarketplaceRef{Author: "langgenius", Name: "agent", Version: "0.0.9"}},
		{Kind: OriginUpload, UploadPath: "/data/work/uploads/x.difypkg", UploadName: "x.difypkg"},
	}
	for _, o := range valid {
		if err := o.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", o, err)
		}
	}

	invalid := []Origin{
		{Kind: OriginURL, URL: "ftp://host/x.difypkg"},
		{Kind: OriginURL, URL: "https://"},
		{Kind: OriginURL, URL: "not a url at all\x00"},
		{Kind: OriginMarketplace},
		{Kind: OriginMarketplace, Marketplace: &MarketplaceRef{Author: "a/b", Name: "n", Version: "1"}},
		{Kind: OriginUpload, UploadPath: ""},
		{Kind: OriginUpload, UploadPath: "/tmp/evil.zip"},
		{Kind: "smoke"},
	}
	for _, o := range invalid {
		err := o.Validate()
		if err == nil {
			t.Errorf("Validate(%+v) = nil, want error", o)
			continue
		}
		if fault.CodeOf(err) != fault.InvalidArgument {
			t.Errorf("Validate(%+v) code = %s, want InvalidArgument", o, fault.CodeOf(err))
		}
	}
}

func TestSuffixRe(t *testing.T) {
	for _, ok := range []string{"offline", "x86-64.v2", "A_1"} {
		if !SuffixRe.MatchString(ok) {
			t.Errorf("%q should be a valid suffix", ok)
		}
	}
	for _, bad := range []string{"", "has space", "slash/y", "waytoolongsuffixwaytoolongsuffix33"} {
		if SuffixRe.MatchString(bad) {
			t.Errorf("%q should be rejected", bad)
		}
	}
}
