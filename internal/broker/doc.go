// Package broker implements the Matching Engine, the Negotiation Coordinator
// and the Transaction Finalizer.
//
// A search cycle runs:
//
//	LOOKING_FOR -> SEARCH broadcast -> collection window -> lowest offer
//	    -> RESERVE/FOUND                     (offer <= buyer max)
//	    -> NEGOTIATE -> ACCEPT -> RESERVE/FOUND
//	                 -> REFUSE -> NOT_AVAILABLE
//	BUY -> INFORM_REQ/INFORM_RES with both parties -> payment -> SHIPPING_INFO
//	    -> TRANSACTION_SUCCESS, or CANCEL to both parties on any failure
//
// State lives in three stores with their own locks: the participant Registry,
// the open search cycles and the offers by search. No lock is held across a
// network call, and only Reset holds more than one at a time.
package broker
