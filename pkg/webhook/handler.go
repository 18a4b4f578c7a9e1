package webhook

import (
	"encoding/json"
	"net/http"

	"k8s.io/klog/v2"
)

// Handler returns an http.Handler implementing the brupop conversion
// webhook endpoint: decode a ConversionReview, run Convert, encode the
// ConversionResponse. Malformed request bodies are rejected with 400,
// matching the teacher's admission-webhook handler idiom of failing
// fast on decode errors rather than returning a Failed review.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var review ConversionReview
		if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
			klog.ErrorS(err, "failed to decode conversion review")
			http.Error(w, "malformed conversion review", http.StatusBadRequest)
			return
		}

		resp := Convert(review)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			klog.ErrorS(err, "failed to encode conversion response")
		}
	})
}
