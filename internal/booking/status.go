package booking

// BookingStatus is the cart/order header state.
type BookingStatus string

const (
	BookingUnpaid    BookingStatus = "unpaid"
	BookingPaid      BookingStatus = "paid"
	BookingExpired   BookingStatus = "expired"
	BookingCancelled BookingStatus = "cancelled"
)

// DetailStatus is the line-item state. The happy path runs
// unpaid → paid → confirmed → tested → has-result; expired is reachable only
// from unpaid (sweeper), cancelled by explicit customer/staff action.
type DetailStatus string

const (
	DetailUnpaid    DetailStatus = "unpaid"
	DetailPaid      DetailStatus = "paid"
	DetailConfirmed DetailStatus = "confirmed"
	DetailTested    DetailStatus = "tested"
	DetailHasResult DetailStatus = "has-result"
	DetailExpired   DetailStatus = "expired"
	DetailCancelled DetailStatus = "cancelled"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingUnpaid: {BookingPaid, BookingExpired, BookingCancelled},
	BookingPaid:   {BookingCancelled},
}

var detailTransitions = map[DetailStatus][]DetailStatus{
	DetailUnpaid:    {DetailPaid, DetailExpired, DetailCancelled},
	DetailPaid:      {DetailConfirmed, DetailCancelled},
	DetailConfirmed: {DetailTested, DetailCancelled},
	DetailTested:    {DetailHasResult},
}

// CanTransition reports whether a booking may move from one status to
// another. Terminal statuses (expired, cancelled) allow nothing.
func (s BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingUnpaid, BookingPaid, BookingExpired, BookingCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a detail may move from one status to another.
func (s DetailStatus) CanTransition(to DetailStatus) bool {
	for _, next := range detailTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// HoldsReservation reports whether a detail in this status still counts
// against its slot's capacity. Expired and cancelled details have already
// released their unit.
func (s DetailStatus) HoldsReservation() bool {
	return s != DetailExpired && s != DetailCancelled
}

func (s DetailStatus) Valid() bool {
	switch s {
	case DetailUnpaid, DetailPaid, DetailConfirmed, DetailTested, DetailHasResult, DetailExpired, DetailCancelled:
		return true
	}
	return false
}
