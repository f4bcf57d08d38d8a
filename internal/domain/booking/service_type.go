package booking

import "fmt"

// ServiceType identifies one of the portal's bookable services.
type ServiceType string

const (
	ServiceVehicle      ServiceType = "vehicle"
	ServiceClinic       ServiceType = "clinic"
	ServiceCatering     ServiceType = "catering"
	ServiceMeetingRoom  ServiceType = "meeting_room"
	ServiceDocNumbering ServiceType = "doc_numbering"
	ServiceGuesthouse   ServiceType = "guesthouse"
)

// Mode describes how a service allocates capacity.
type Mode int

const (
	// ModeNone services are plain forms with no allocation.
	ModeNone Mode = iota
	// ModeSlot services occupy one (resource, date, time) coordinate per booking.
	ModeSlot
	// ModePool services draw counted units from resource pools over a time range.
	ModePool
)

// ResourceKind is the kind of thing a rule, slot or pool belongs to.
type ResourceKind string

const (
	KindDoctor      ResourceKind = "doctor"
	KindRoom        ResourceKind = "room"
	KindVehicleType ResourceKind = "vehicle_type"
	KindDriver      ResourceKind = "driver"
)

var serviceModes = map[ServiceType]Mode{
	ServiceVehicle:      ModePool,
	ServiceClinic:       ModeSlot,
	ServiceCatering:     ModeNone,
	ServiceMeetingRoom:  ModeSlot,
	ServiceDocNumbering: ModeNone,
	ServiceGuesthouse:   ModeNone,
}

// slotResourceKinds maps slot-based services to the resource kind they book.
var slotResourceKinds = map[ServiceType]ResourceKind{
	ServiceClinic:      KindDoctor,
	ServiceMeetingRoom: KindRoom,
}

// ParseServiceType validates a raw service identifier.
func ParseServiceType(s string) (ServiceType, error) {
	st := ServiceType(s)
	if _, ok := serviceModes[st]; !ok {
		return "", Validationf("unknown service type %q", s)
	}
	return st, nil
}

// Mode returns the allocation mode of the service.
func (s ServiceType) Mode() Mode { return serviceModes[s] }

// SlotResourceKind returns the resource kind a slot-based service books.
func (s ServiceType) SlotResourceKind() (ResourceKind, bool) {
	k, ok := slotResourceKinds[s]
	return k, ok
}

// ParseResourceKind validates a raw resource kind.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch k := ResourceKind(s); k {
	case KindDoctor, KindRoom, KindVehicleType, KindDriver:
		return k, nil
	}
	return "", Validationf("unknown resource kind %q", s)
}

// ServiceTypeForKind returns the service a resource kind serves.
func ServiceTypeForKind(k ResourceKind) ServiceType {
	switch k {
	case KindDoctor:
		return ServiceClinic
	case KindRoom:
		return ServiceMeetingRoom
	default:
		return ServiceVehicle
	}
}

func (m Mode) String() string {
	switch m {
	case ModeSlot:
		return "slot"
	case ModePool:
		return "pool"
	case ModeNone:
		return "none"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}
