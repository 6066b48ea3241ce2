package syncbridge

import (
	"fmt"
	"sort"
	"strings"
)

type EntityType string

const (
	EntitySubcontractors      EntityType = "subcontractors"
	EntityProjects            EntityType = "projects"
	EntityPaymentApplications EntityType = "payment_applications"
	EntityChangeOrders        EntityType = "change_orders"
	EntityCalendarEvents      EntityType = "calendar_events"
)

// EntityTypeAll selects every entity type the connection's provider supports.
const EntityTypeAll = "all"

// OriginMarker tags remote entities written by this system.
const OriginMarker = "syncbridge"

type entityRef struct {
	Field string
	Type  EntityType
}

type entitySpec struct {
	Type       EntityType
	Provider   Provider
	RemoteType string
	// Refs are local foreign keys that must already be mapped; their remote
	// ids are handed to ToRemote keyed by Field.
	Refs           []entityRef
	ToRemote       func(entity LocalEntity, refs map[string]string) (RemotePayload, error)
	FromRemote     func(remote RemoteEntity) (map[string]any, error)
	TerminalStatus string
	InboundCreate  bool
	NeedsProject   bool
}

var entitySpecs = map[EntityType]entitySpec{
	EntitySubcontractors: {
		Type:           EntitySubcontractors,
		Provider:       ProviderQuickBooks,
		RemoteType:     "Vendor",
		ToRemote:       subcontractorToVendor,
		FromRemote:     vendorToSubcontractor,
		TerminalStatus: "inactive",
	},
	EntityProjects: {
		Type:           EntityProjects,
		Provider:       ProviderQuickBooks,
		RemoteType:     "Customer",
		ToRemote:       projectToCustomer,
		FromRemote:     customerToProject,
		TerminalStatus: "inactive",
	},
	EntityPaymentApplications: {
		Type:           EntityPaymentApplications,
		Provider:       ProviderQuickBooks,
		RemoteType:     "Invoice",
		Refs:           []entityRef{{Field: "project_id", Type: EntityProjects}},
		ToRemote:       paymentApplicationToInvoice,
		FromRemote:     invoiceToPaymentApplication,
		TerminalStatus: "void",
	},
	EntityChangeOrders: {
		Type:           EntityChangeOrders,
		Provider:       ProviderQuickBooks,
		RemoteType:     "Bill",
		Refs:           []entityRef{{Field: "subcontractor_id", Type: EntitySubcontractors}},
		ToRemote:       changeOrderToBill,
		FromRemote:     billToChangeOrder,
		TerminalStatus: "void",
	},
	EntityCalendarEvents: {
		Type:           EntityCalendarEvents,
		Provider:       ProviderGoogleCalendar,
		RemoteType:     "Event",
		ToRemote:       calendarEventToGoogle,
		FromRemote:     googleToCalendarEvent,
		TerminalStatus: "cancelled",
		InboundCreate:  true,
		NeedsProject:   true,
	},
}

func ParseEntityType(raw string) (EntityType, error) {
	candidate := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := entitySpecs[candidate]; !ok {
		return "", &SyncError{Class: ClassUnsupportedEntityType, Op: "parse_entity_type", Message: fmt.Sprintf("entity type %q has no mapping", raw)}
	}
	return candidate, nil
}

func EntityTypes() []EntityType {
	out := make([]EntityType, 0, len(entitySpecs))
	for entityType := range entitySpecs {
		out = append(out, entityType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func EntityTypesFor(provider Provider) []EntityType {
	out := make([]EntityType, 0, len(entitySpecs))
	for _, entityType := range EntityTypes() {
		if entitySpecs[entityType].Provider == provider {
			out = append(out, entityType)
		}
	}
	return out
}

func RemoteTypeFor(entityType EntityType) string {
	return entitySpecs[entityType].RemoteType
}

func specFor(provider Provider, entityType EntityType) (entitySpec, error) {
	spec, ok := entitySpecs[entityType]
	if !ok {
		return entitySpec{}, &SyncError{Class: ClassUnsupportedEntityType, Op: "lookup_entity", Message: fmt.Sprintf("entity type %q has no mapping", entityType)}
	}
	if spec.Provider != provider {
		return entitySpec{}, &SyncError{Class: ClassUnsupportedEntityType, Op: "lookup_entity", Message: fmt.Sprintf("entity type %q is not synced with %s", entityType, provider)}
	}
	return spec, nil
}

func specForRemote(provider Provider, remoteType string) (entitySpec, bool) {
	for _, entityType := range EntityTypes() {
		spec := entitySpecs[entityType]
		if spec.Provider == provider && strings.EqualFold(spec.RemoteType, remoteType) {
			return spec, true
		}
	}
	return entitySpec{}, false
}
