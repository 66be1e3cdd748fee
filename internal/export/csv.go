package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/schema"
)

// Contract is the fixed export column order. Every column may be empty.
var Contract = schema.Contract{Fields: []schema.Field{
	{Name: "Company", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Website", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Industry", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Product/Service Category", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Business Type", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Employees Count", Type: schema.FieldTypeInteger, Nullable: true},
	{Name: "Revenue", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Year Founded", Type: schema.FieldTypeInteger, Nullable: true},
	{Name: "BBB Rating", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Street", Type: schema.FieldTypeString, Nullable: true},
	{Name: "City", Type: schema.FieldTypeString, Nullable: true},
	{Name: "State", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Company Phone", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Company LinkedIn", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Owner's First Name", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Owner's Last Name", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Owner's Title", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Owner's LinkedIn", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Owner's Phone Number", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Owner's Email", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Source", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Created Date", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Updated Date", Type: schema.FieldTypeString, Nullable: true},
	{Name: "Score", Type: schema.FieldTypeInteger, Nullable: true},
	{Name: "Score Reason", Type: schema.FieldTypeString, Nullable: true},
}}

// Header returns the export column names in order.
func Header() []string {
	return Contract.Header()
}

func record(l lead.Lead) []string {
	return []string{
		l.Company(),
		l.Website,
		l.Industry,
		l.ProductServiceCategory,
		l.BusinessType,
		formatInt(l.EmployeesCount),
		l.Revenue,
		formatInt(l.YearFounded),
		l.BBBRating,
		l.Street,
		l.City,
		l.State,
		l.CompanyPhone,
		l.CompanyLinkedIn,
		l.OwnerFirstName,
		l.OwnerLastName,
		l.OwnerTitle,
		l.OwnerLinkedIn,
		l.OwnerPhoneNumber,
		l.OwnerEmail,
		l.Source,
		l.CreatedDate,
		l.UpdatedDate,
		formatInt(l.Score),
		l.ScoreReason,
	}
}

// WriteCSV writes leads as a CSV with the stable Header() ordering.
func WriteCSV(w io.Writer, leads []lead.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for _, l := range leads {
		if err := cw.Write(record(l)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV renders leads to bytes.
func CSV(leads []lead.Lead) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, leads); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Filename is the download name for an export made at now.
func Filename(now time.Time) string {
	return fmt.Sprintf("leads-%s.csv", now.Format(time.DateOnly))
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// StateContract is the export plus the search fields and ID a later run needs to pick the
// same leads up again.
var StateContract = schema.Contract{Fields: append([]schema.Field{
	{Name: "id", Type: schema.FieldTypeString, Nullable: true},
	{Name: "name", Type: schema.FieldTypeString, Nullable: true},
	{Name: "address", Type: schema.FieldTypeString, Nullable: true},
	{Name: "phone", Type: schema.FieldTypeString, Nullable: true},
	{Name: "industries", Type: schema.FieldTypeString, Nullable: true},
}, Contract.Fields...)}

const industrySep = ";"

// WriteStateCSV writes leads with StateContract columns.
func WriteStateCSV(w io.Writer, leads []lead.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(StateContract.Header()); err != nil {
		return err
	}
	for _, l := range leads {
		row := append([]string{l.ID, l.Name, l.Address, l.Phone, strings.Join(l.Industries, industrySep)}, record(l)...)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func StateCSV(leads []lead.Lead) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteStateCSV(&buf, leads); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StatePath is where a run writing its export to output keeps its state file.
func StatePath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".state.csv"
}

// ReadLeadsCSV reads leads from a state file, an export, or a minimal name/address sheet.
// It needs a "name" or "Company" column; the rest are optional. A non-empty "id" column is
// kept, otherwise the lead gets a fresh ID. Rows without a name are skipped.
func ReadLeadsCSV(r io.Reader) ([]lead.Lead, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, err
	}
	index, err := StateContract.Index(header)
	if err != nil {
		return nil, err
	}
	if index["name"] < 0 && index["Company"] < 0 {
		return nil, fmt.Errorf("missing required column %q or %q", "name", "Company")
	}

	var leads []lead.Lead
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return leads, nil
		}
		if err != nil {
			return nil, err
		}

		get := func(col string) string {
			i := index[col]
			if i < 0 || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		getInt := func(col string) (*int, error) {
			s := get(col)
			if s == "" {
				return nil, nil
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid %s %q", row, col, s)
			}
			return &n, nil
		}

		name := get("name")
		company := get("Company")
		if name == "" {
			name = company
		}
		if name == "" {
			continue
		}

		l := lead.New(name, get("address"), get("phone"), get("Website"))
		if company != "" {
			l.CompanyName = company
		}
		if id := get("id"); id != "" {
			l.ID = id
		}
		for _, ind := range strings.Split(get("industries"), industrySep) {
			if ind = strings.TrimSpace(ind); ind != "" {
				l.Industries = append(l.Industries, ind)
			}
		}
		l.Industry = get("Industry")
		l.ProductServiceCategory = get("Product/Service Category")
		l.BusinessType = get("Business Type")
		l.Revenue = get("Revenue")
		l.BBBRating = get("BBB Rating")
		l.Street = get("Street")
		l.City = get("City")
		l.State = get("State")
		l.CompanyPhone = get("Company Phone")
		l.CompanyLinkedIn = get("Company LinkedIn")
		l.OwnerFirstName = get("Owner's First Name")
		l.OwnerLastName = get("Owner's Last Name")
		l.OwnerTitle = get("Owner's Title")
		l.OwnerLinkedIn = get("Owner's LinkedIn")
		l.OwnerPhoneNumber = get("Owner's Phone Number")
		l.OwnerEmail = get("Owner's Email")
		l.Source = get("Source")
		l.CreatedDate = get("Created Date")
		l.UpdatedDate = get("Updated Date")
		l.ScoreReason = get("Score Reason")
		if l.EmployeesCount, err = getInt("Employees Count"); err != nil {
			return nil, err
		}
		if l.YearFounded, err = getInt("Year Founded"); err != nil {
			return nil, err
		}
		if l.Score, err = getInt("Score"); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
}
