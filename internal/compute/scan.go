package compute

import (
	"github.com/commitminer/commitminer/pkg/digest"
	"github.com/commitminer/commitminer/pkg/nonce"
)

// Scan tries nonces from first up to (not including) end in ascending order
// and returns the first accepted one. stop is polled every 4096 candidates;
// when it returns true the scan gives up and reports nothing. A nil stop
// never fires.
func Scan(mid digest.Midstate, pred Predicate, first, end uint64, stop func(n uint64) bool) Result {
	for n := first; n < end; n++ {
		if stop != nil && n&0xfff == 0 && stop(n) {
			return Result{}
		}
		d := mid.SumTail(nonce.Encode(n))
		if pred.Accept(&d) {
			return Result{Found: true, Nonce: n, Digest: d}
		}
	}
	return Result{}
}
