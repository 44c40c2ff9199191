// Package waybill assembles new waybill (ПЛ) records: it keeps the default
// settings document, derives the route code and the next waybill number from
// the cached reference data, and queues the result for submission.
package waybill

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/client/syncer"
	"github.com/agroup14/waybill/internal/models"
)

// Collection is the collection waybills live in.
const Collection = "registries"

// IssuedLayout is the wire format of dataPOPL.
const IssuedLayout = "2006-01-02T15:04:05"

var (
	// ErrNoRoute is returned when the settings do not resolve to a route code.
	ErrNoRoute = errors.New("маршрут не сгенерирован: проверьте настройки")
	// ErrNoSeason is returned when no season is configured.
	ErrNoSeason = errors.New("номер ПЛ не сгенерирован: не выбран сезон")
	// ErrNoDriver is returned for a draft without a main driver.
	ErrNoDriver = errors.New("необходимо выбрать основного водителя")
)

// Settings is the default_pl_settings document: the values stamped on every
// new waybill.
type Settings struct {
	Season         int64  `json:"season,omitempty"`
	Organization   int64  `json:"organization,omitempty"`
	Customer       int64  `json:"customer,omitempty"`
	Gruz           int64  `json:"gruz,omitempty"`
	LoadingPoint   int64  `json:"loading_point,omitempty"`
	UnloadingPoint int64  `json:"unloading_point,omitempty"`
	Distance       string `json:"distance,omitempty"`
}

// Draft holds the per-waybill choices made by the dispatcher.
type Draft struct {
	Driver  int64
	Driver2 int64
	// Car and Contractor are derived from the driver when left zero.
	Car        int64
	Contractor int64
	CargoBatch string
	IssuedAt   time.Time
}

// Registrar builds waybills on top of a sync service.
type Registrar struct {
	svc *syncer.Service
}

// NewRegistrar returns a Registrar bound to svc.
func NewRegistrar(svc *syncer.Service) *Registrar {
	return &Registrar{svc: svc}
}

// Settings loads the default settings. A missing document yields zero
// settings.
func (r *Registrar) Settings() (Settings, error) {
	var s Settings
	if _, err := r.svc.Store().LoadInto(storage.SettingsKey, &s); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// SaveSettings replaces the default settings.
func (r *Registrar) SaveSettings(s Settings) error {
	return r.svc.Store().Save(storage.SettingsKey, s)
}

// RouteCode returns "<loading><unloading>-<cargo>" built from the short
// names of the configured points and cargo, or ErrNoRoute.
func (r *Registrar) RouteCode(s Settings) (string, error) {
	lp, err := r.shortName("loading-points", s.LoadingPoint)
	if err != nil {
		return "", err
	}
	up, err := r.shortName("unloading-points", s.UnloadingPoint)
	if err != nil {
		return "", err
	}
	gruz, err := r.shortName("gruzes", s.Gruz)
	if err != nil {
		return "", err
	}
	if lp == "" || up == "" || gruz == "" {
		return "", ErrNoRoute
	}
	return lp + up + "-" + gruz, nil
}

// NextNumber returns "<marsh>-<n+1>" where n counts the server and pending
// waybills with the same route in season.
func (r *Registrar) NextNumber(marsh string, season int64) (string, error) {
	if marsh == "" {
		return "", ErrNoRoute
	}
	if season == 0 {
		return "", ErrNoSeason
	}
	server, err := r.svc.LocalData(Collection)
	if err != nil {
		return "", err
	}
	pending, err := r.svc.Pending().List(Collection)
	if err != nil {
		return "", err
	}
	n := 0
	for _, rec := range append(server, pending...) {
		if rec.String("marsh") == marsh && models.SameValue(rec["season"], season) {
			n++
		}
	}
	return fmt.Sprintf("%s-%d", marsh, n+1), nil
}

// NewRegistry assembles a pending waybill record from the settings and d.
func (r *Registrar) NewRegistry(d Draft) (models.Record, error) {
	if d.Driver == 0 {
		return nil, ErrNoDriver
	}
	s, err := r.Settings()
	if err != nil {
		return nil, err
	}
	marsh, err := r.RouteCode(s)
	if err != nil {
		return nil, err
	}
	number, err := r.NextNumber(marsh, s.Season)
	if err != nil {
		return nil, err
	}

	rec := models.Record{
		models.FieldTempID: models.NewTempID(),
		"marsh":            marsh,
		"numberPL":         number,
	}
	setID(rec, "season", s.Season)
	setID(rec, "organization", s.Organization)
	setID(rec, "customer", s.Customer)
	setID(rec, "gruz", s.Gruz)
	setID(rec, "loading_point", s.LoadingPoint)
	setID(rec, "unloading_point", s.UnloadingPoint)
	if s.Distance != "" {
		rec["distance"] = s.Distance
	}

	car, contractor := d.Car, d.Contractor
	if car == 0 || contractor == 0 {
		dc, dp, err := r.driverDefaults(d.Driver)
		if err != nil {
			return nil, err
		}
		if car == 0 {
			car = dc
		}
		if contractor == 0 {
			contractor = dp
		}
	}
	setID(rec, "driver", d.Driver)
	setID(rec, "driver2", d.Driver2)
	setID(rec, "number", car)
	setID(rec, "pod", contractor)

	if d.CargoBatch != "" {
		batches, err := r.svc.LocalData("cargo-batches")
		if err != nil {
			return nil, err
		}
		for _, b := range batches {
			if b.String("batch_number") == d.CargoBatch {
				if id, ok := b.ID(); ok {
					rec["cargo_batch"] = id
				}
				break
			}
		}
	}
	if !d.IssuedAt.IsZero() {
		rec["dataPOPL"] = d.IssuedAt.Format(IssuedLayout)
	}
	return rec, nil
}

// Create builds a waybill from d, queues it and schedules its submission.
func (r *Registrar) Create(ctx context.Context, d Draft) (models.Record, error) {
	rec, err := r.NewRegistry(d)
	if err != nil {
		return nil, err
	}
	if _, err := r.svc.EnqueueAndSubmit(ctx, Collection, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// driverDefaults returns the driver's first car and the contractor whose
// driver list contains the driver.
func (r *Registrar) driverDefaults(driverID int64) (car, contractor int64, err error) {
	drivers, err := r.svc.LocalData("drivers")
	if err != nil {
		return 0, 0, err
	}
	if driver, ok := findByID(drivers, driverID); ok {
		if cars, ok := driver["cars"].([]any); ok && len(cars) > 0 {
			car, _ = models.AsInt(cars[0])
		}
	}

	podryads, err := r.svc.LocalData("podryads")
	if err != nil {
		return 0, 0, err
	}
	for _, p := range podryads {
		list, _ := p["drivers"].([]any)
		for _, item := range list {
			var id int64
			switch v := item.(type) {
			case map[string]any:
				id, _ = models.Record(v).ID()
			default:
				id, _ = models.AsInt(v)
			}
			if id == driverID {
				contractor, _ = p.ID()
				return car, contractor, nil
			}
		}
	}
	return car, 0, nil
}

func (r *Registrar) shortName(collection string, id int64) (string, error) {
	if id == 0 {
		return "", nil
	}
	recs, err := r.svc.LocalData(collection)
	if err != nil {
		return "", err
	}
	item, ok := findByID(recs, id)
	if !ok {
		return "", nil
	}
	if s := item.String("short_name"); s != "" {
		return s, nil
	}
	name := item.String("name")
	if name == "" {
		return "", nil
	}
	first, _ := utf8.DecodeRuneInString(name)
	return string(first), nil
}

func findByID(recs []models.Record, id int64) (models.Record, bool) {
	for _, rec := range recs {
		if rid, ok := rec.ID(); ok && rid == id {
			return rec, true
		}
	}
	return nil, false
}

func setID(rec models.Record, field string, id int64) {
	if id != 0 {
		rec[field] = id
	}
}
