package syncbridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultInvoiceItemID    = "1"
	defaultExpenseAccountID = "7"
	qboDateLayout           = "2006-01-02"
)

func subcontractorToVendor(entity LocalEntity, _ map[string]string) (RemotePayload, error) {
	name := fieldString(entity.Fields, "company_name")
	if name == "" {
		return nil, missingField(entity, "company_name")
	}
	payload := RemotePayload{
		"DisplayName": name,
		"CompanyName": name,
		"Active":      entity.Status != "inactive",
	}
	if email := fieldString(entity.Fields, "email"); email != "" {
		payload["PrimaryEmailAddr"] = map[string]any{"Address": email}
	}
	if phone := fieldString(entity.Fields, "phone"); phone != "" {
		payload["PrimaryPhone"] = map[string]any{"FreeFormNumber": phone}
	}
	if taxID := fieldString(entity.Fields, "tax_id"); taxID != "" {
		payload["TaxIdentifier"] = taxID
	}
	if address := fieldString(entity.Fields, "address"); address != "" {
		payload["BillAddr"] = map[string]any{"Line1": address}
	}
	return payload, nil
}

func vendorToSubcontractor(remote RemoteEntity) (map[string]any, error) {
	fields := map[string]any{}
	copyPayloadString(fields, "company_name", remote.Payload, "DisplayName")
	copyPayloadString(fields, "email", remote.Payload, "PrimaryEmailAddr", "Address")
	copyPayloadString(fields, "phone", remote.Payload, "PrimaryPhone", "FreeFormNumber")
	copyPayloadString(fields, "address", remote.Payload, "BillAddr", "Line1")
	return fields, nil
}

func projectToCustomer(entity LocalEntity, _ map[string]string) (RemotePayload, error) {
	name := fieldString(entity.Fields, "name")
	if name == "" {
		return nil, missingField(entity, "name")
	}
	payload := RemotePayload{
		"DisplayName": name,
		"Active":      entity.Status != "inactive",
	}
	if client := fieldString(entity.Fields, "client_name"); client != "" {
		payload["CompanyName"] = client
	}
	if email := fieldString(entity.Fields, "client_email"); email != "" {
		payload["PrimaryEmailAddr"] = map[string]any{"Address": email}
	}
	if address := fieldString(entity.Fields, "address"); address != "" {
		payload["BillAddr"] = map[string]any{"Line1": address}
	}
	if number := fieldString(entity.Fields, "project_number"); number != "" {
		payload["Notes"] = "Project " + number
	}
	return payload, nil
}

func customerToProject(remote RemoteEntity) (map[string]any, error) {
	fields := map[string]any{}
	copyPayloadString(fields, "name", remote.Payload, "DisplayName")
	copyPayloadString(fields, "client_name", remote.Payload, "CompanyName")
	copyPayloadString(fields, "client_email", remote.Payload, "PrimaryEmailAddr", "Address")
	copyPayloadString(fields, "address", remote.Payload, "BillAddr", "Line1")
	return fields, nil
}

func paymentApplicationToInvoice(entity LocalEntity, refs map[string]string) (RemotePayload, error) {
	customerID := refs["project_id"]
	if customerID == "" {
		return nil, missingField(entity, "project_id")
	}
	amount, ok := fieldFloat(entity.Fields, "amount_due")
	if !ok {
		return nil, missingField(entity, "amount_due")
	}
	itemID := fieldString(entity.Fields, "item_id")
	if itemID == "" {
		itemID = defaultInvoiceItemID
	}
	number := fieldString(entity.Fields, "application_number")
	description := "Payment application"
	if number != "" {
		description += " #" + number
	}
	payload := RemotePayload{
		"CustomerRef": map[string]any{"value": customerID},
		"Line": []any{
			map[string]any{
				"Amount":      amount,
				"Description": description,
				"DetailType":  "SalesItemLineDetail",
				"SalesItemLineDetail": map[string]any{
					"ItemRef": map[string]any{"value": itemID},
				},
			},
		},
	}
	if number != "" {
		payload["DocNumber"] = number
	}
	if date := fieldDate(entity.Fields, "period_end"); date != "" {
		payload["TxnDate"] = date
	}
	if due := fieldDate(entity.Fields, "due_date"); due != "" {
		payload["DueDate"] = due
	}
	return payload, nil
}

func invoiceToPaymentApplication(remote RemoteEntity) (map[string]any, error) {
	fields := map[string]any{}
	copyPayloadNumber(fields, "remote_total", remote.Payload, "TotalAmt")
	copyPayloadNumber(fields, "remote_balance", remote.Payload, "Balance")
	copyPayloadString(fields, "application_number", remote.Payload, "DocNumber")
	return fields, nil
}

func changeOrderToBill(entity LocalEntity, refs map[string]string) (RemotePayload, error) {
	vendorID := refs["subcontractor_id"]
	if vendorID == "" {
		return nil, missingField(entity, "subcontractor_id")
	}
	amount, ok := fieldFloat(entity.Fields, "amount")
	if !ok {
		return nil, missingField(entity, "amount")
	}
	accountID := fieldString(entity.Fields, "expense_account_id")
	if accountID == "" {
		accountID = defaultExpenseAccountID
	}
	description := fieldString(entity.Fields, "title")
	if description == "" {
		description = "Change order"
	}
	payload := RemotePayload{
		"VendorRef": map[string]any{"value": vendorID},
		"Line": []any{
			map[string]any{
				"Amount":      amount,
				"Description": description,
				"DetailType":  "AccountBasedExpenseLineDetail",
				"AccountBasedExpenseLineDetail": map[string]any{
					"AccountRef": map[string]any{"value": accountID},
				},
			},
		},
	}
	if number := fieldString(entity.Fields, "change_order_number"); number != "" {
		payload["DocNumber"] = number
	}
	if date := fieldDate(entity.Fields, "date"); date != "" {
		payload["TxnDate"] = date
	}
	if note := fieldString(entity.Fields, "description"); note != "" {
		payload["PrivateNote"] = note
	}
	return payload, nil
}

func billToChangeOrder(remote RemoteEntity) (map[string]any, error) {
	fields := map[string]any{}
	copyPayloadNumber(fields, "remote_total", remote.Payload, "TotalAmt")
	copyPayloadNumber(fields, "remote_balance", remote.Payload, "Balance")
	copyPayloadString(fields, "change_order_number", remote.Payload, "DocNumber")
	return fields, nil
}

func calendarEventToGoogle(entity LocalEntity, _ map[string]string) (RemotePayload, error) {
	title := fieldString(entity.Fields, "title")
	if title == "" {
		return nil, missingField(entity, "title")
	}
	start, ok := fieldTime(entity.Fields, "start_at")
	if !ok {
		return nil, missingField(entity, "start_at")
	}
	end, ok := fieldTime(entity.Fields, "end_at")
	if !ok || !end.After(start) {
		end = start.Add(time.Hour)
	}
	payload := RemotePayload{
		"summary": title,
		"extendedProperties": map[string]any{
			"private": map[string]any{
				googleOriginProperty:  OriginMarker,
				googleLocalIDProperty: entity.ID,
			},
		},
	}
	if fieldBool(entity.Fields, "all_day") {
		payload["start"] = map[string]any{"date": start.UTC().Format(qboDateLayout)}
		payload["end"] = map[string]any{"date": end.UTC().Format(qboDateLayout)}
	} else {
		payload["start"] = map[string]any{"dateTime": start.UTC().Format(time.RFC3339)}
		payload["end"] = map[string]any{"dateTime": end.UTC().Format(time.RFC3339)}
	}
	if description := fieldString(entity.Fields, "description"); description != "" {
		payload["description"] = description
	}
	if location := fieldString(entity.Fields, "location"); location != "" {
		payload["location"] = location
	}
	return payload, nil
}

func googleToCalendarEvent(remote RemoteEntity) (map[string]any, error) {
	fields := map[string]any{}
	copyPayloadString(fields, "title", remote.Payload, "summary")
	copyPayloadString(fields, "description", remote.Payload, "description")
	copyPayloadString(fields, "location", remote.Payload, "location")
	if dateTime := payloadString(remote.Payload, "start", "dateTime"); dateTime != "" {
		fields["start_at"] = dateTime
		fields["all_day"] = false
	} else if date := payloadString(remote.Payload, "start", "date"); date != "" {
		fields["start_at"] = date
		fields["all_day"] = true
	}
	if dateTime := payloadString(remote.Payload, "end", "dateTime"); dateTime != "" {
		fields["end_at"] = dateTime
	} else if date := payloadString(remote.Payload, "end", "date"); date != "" {
		fields["end_at"] = date
	}
	if _, ok := fields["title"]; !ok {
		return nil, &SyncError{Class: ClassValidation, Op: "from_remote", Message: fmt.Sprintf("event %s has no summary", remote.ID)}
	}
	return fields, nil
}

func missingField(entity LocalEntity, field string) error {
	return &SyncError{
		Class:   ClassValidation,
		Op:      "to_remote",
		Message: fmt.Sprintf("%s %s is missing %s", entity.Type, entity.ID, field),
	}
}

func fieldString(fields map[string]any, key string) string {
	switch value := fields[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case json.Number:
		return value.String()
	case fmt.Stringer:
		return strings.TrimSpace(value.String())
	default:
		return ""
	}
}

func fieldFloat(fields map[string]any, key string) (float64, bool) {
	switch value := fields[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func fieldBool(fields map[string]any, key string) bool {
	switch value := fields[key].(type) {
	case bool:
		return value
	case string:
		parsed, _ := strconv.ParseBool(strings.TrimSpace(value))
		return parsed
	default:
		return false
	}
}

func fieldTime(fields map[string]any, key string) (time.Time, bool) {
	switch value := fields[key].(type) {
	case time.Time:
		return value, !value.IsZero()
	case string:
		return parseFlexibleTime(value)
	default:
		return time.Time{}, false
	}
}

func fieldDate(fields map[string]any, key string) string {
	parsed, ok := fieldTime(fields, key)
	if !ok {
		return ""
	}
	return parsed.Format(qboDateLayout)
}

var flexibleTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05",
	qboDateLayout,
}

func parseFlexibleTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range flexibleTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func payloadValue(payload map[string]any, path ...string) any {
	var current any = payload
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = node[key]
	}
	return current
}

func payloadString(payload map[string]any, path ...string) string {
	switch value := payloadValue(payload, path...).(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

func copyPayloadString(dst map[string]any, field string, payload map[string]any, path ...string) {
	if value := payloadString(payload, path...); value != "" {
		dst[field] = value
	}
}

func copyPayloadNumber(dst map[string]any, field string, payload map[string]any, path ...string) {
	switch value := payloadValue(payload, path...).(type) {
	case float64:
		dst[field] = value
	case json.Number:
		if parsed, err := value.Float64(); err == nil {
			dst[field] = parsed
		}
	}
}
