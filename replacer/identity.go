package replacer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/merge"
)

// Identify derives the operation identity shared by the top document and
// every sub-document of one run. The run ID keeps two identical requests
// from merging into each other's records.
func Identify(req engine.Request, topURL, runID string) merge.Identity {
	opts, _ := json.Marshal(req.Options)
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		string(req.Action), req.Search, req.Replace, string(opts), topURL, runID,
	}, "\x00")))
	return merge.Identity(hex.EncodeToString(h.Sum(nil)))
}
