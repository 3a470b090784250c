package storage

import "fmt"

// Journal key schema:
//
//	ord:<orderID>         → JSON order record (kept after the order turns terminal)
//	usr:<userID>:<orderID> → empty marker, present while the order is open
//
// Both keys for one update are written in a single batch.
const (
	prefixOrder = "ord:"
	prefixUser  = "usr:"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func userOrderKey(userID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixUser, userID, orderID))
}

// userPrefix is the scan prefix for one user's open orders.
func userPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUser, userID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
