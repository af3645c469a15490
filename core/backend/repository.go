package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/campdir/campdir/core/csql"
	"github.com/campdir/campdir/core/logger"
	"github.com/campdir/campdir/core/query"
	"github.com/campdir/campdir/core/schema"
)

// Document is one resource record as exchanged with clients: the dynamic
// properties plus the core identifier, parent and owner references and the
// creation timestamp.
type Document map[string]interface{}

// ID returns the document's primary identifier for the given resource.
func (d Document) ID(resource string) (uuid.UUID, bool) {
	id, ok := d[resource+"_id"].(uuid.UUID)
	return id, ok
}

// Owner returns the recorded owner of the document, or the zero UUID.
func (d Document) Owner() uuid.UUID {
	if id, ok := d["user_id"].(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// Repository executes query specifications against the resource
// collections of the document store. It is constructed once at startup and
// safe for concurrent use.
type Repository struct {
	db        *csql.DB
	validator *schema.Validator
	models    map[string]*resourceModel
}

type resourceModel struct {
	CollectionConfiguration
	table        string
	idColumn     string
	parentColumn string // empty without a parent
	statics      []string
	hidden       map[string]bool
}

func (m *resourceModel) elevatedRoles() []string {
	if len(m.ElevatedRoles) > 0 {
		return m.ElevatedRoles
	}
	return []string{"admin"}
}

// resolve maps document field names to typed columns; everything else lives
// in the jsonb properties document.
func (m *resourceModel) resolve(field string) (string, bool) {
	switch field {
	case m.idColumn:
		return m.idColumn, true
	case "createdAt", "created_at":
		return "created_at", true
	}
	if m.Owned && (field == "user" || field == "user_id") {
		return "user_id", true
	}
	if m.parentColumn != "" && field == m.parentColumn {
		return m.parentColumn, true
	}
	for _, static := range m.statics {
		if field == static && !m.hidden[static] {
			return `"` + static + `"`, true
		}
	}
	return "", false
}

func newRepository(db *csql.DB, validator *schema.Validator, config Configuration, updateSchema bool) (*Repository, error) {
	rep := &Repository{
		db:        db,
		validator: validator,
		models:    map[string]*resourceModel{},
	}

	// parents must be created before their children, the parent reference
	// is a composite foreign key
	collections := make([]CollectionConfiguration, len(config.Collections))
	copy(collections, config.Collections)
	sort.SliceStable(collections, func(i, j int) bool {
		return collections[i].Parent == "" && collections[j].Parent != ""
	})

	for _, rc := range collections {
		m, err := rep.addModel(rc)
		if err != nil {
			return nil, err
		}
		if updateSchema {
			if err := rep.createSchema(m); err != nil {
				return nil, err
			}
		}
	}
	return rep, nil
}

func (rep *Repository) addModel(rc CollectionConfiguration) (*resourceModel, error) {
	if rc.Resource == "" {
		return nil, fmt.Errorf("collection without resource name")
	}
	if _, ok := rep.models[rc.Resource]; ok {
		return nil, fmt.Errorf("duplicate resource %s", rc.Resource)
	}
	if rc.Parent != "" {
		if _, ok := rep.models[rc.Parent]; !ok {
			return nil, fmt.Errorf("parent of resource %s does not exist: %s", rc.Resource, rc.Parent)
		}
	}
	if rc.SchemaID != "" && !rep.validator.HasSchema(rc.SchemaID) {
		logger.Default().Errorf("invalid configuration for resource %s, schema %s is unknown. Validation is deactivated for this resource",
			rc.Resource, rc.SchemaID)
	}

	m := &resourceModel{
		CollectionConfiguration: rc,
		table:                   rep.db.Schema + `."` + rc.Resource + `"`,
		idColumn:                rc.Resource + "_id",
		hidden:                  map[string]bool{},
	}
	if rc.Parent != "" {
		m.parentColumn = rc.Parent + "_id"
	}
	m.statics = append(m.statics, rc.StaticProperties...)
	for _, property := range rc.HiddenProperties {
		m.statics = append(m.statics, property)
		m.hidden[property] = true
	}
	if rc.ExternalIndex != "" {
		m.statics = append(m.statics, rc.ExternalIndex)
	}
	rep.models[rc.Resource] = m
	return m, nil
}

func (rep *Repository) createSchema(m *resourceModel) error {
	schemaName := rep.db.Schema
	createColumns := []string{
		m.idColumn + " uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY",
		"created_at timestamp NOT NULL DEFAULT now()",
	}
	if m.parentColumn != "" {
		createColumns = append(createColumns, m.parentColumn+" uuid NOT NULL")
		createColumns = append(createColumns,
			"FOREIGN KEY ("+m.parentColumn+") REFERENCES "+schemaName+`."`+m.Parent+`" (`+m.parentColumn+") ON DELETE CASCADE")
	}
	if m.Owned {
		createColumns = append(createColumns, "user_id uuid NOT NULL")
	}
	createColumns = append(createColumns, "properties jsonb NOT NULL DEFAULT '{}'::jsonb")

	createQuery := "CREATE table IF NOT EXISTS " + m.table + "(" + strings.Join(createColumns, ", ") + ");"
	for _, static := range m.statics {
		createQuery += fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" varchar NOT NULL DEFAULT '';`, m.table, static)
	}

	createQuery += fmt.Sprintf(`CREATE index IF NOT EXISTS %s ON %s(created_at);`,
		"sort_index_"+m.Resource+"_created_at", m.table)
	if m.parentColumn != "" {
		createQuery += fmt.Sprintf(`CREATE index IF NOT EXISTS %s ON %s(%s,created_at);`,
			"sort_index_"+m.Resource+"_"+m.parentColumn, m.table, m.parentColumn)
	}
	if m.ExternalIndex != "" {
		createQuery += fmt.Sprintf(`CREATE UNIQUE index IF NOT EXISTS %s ON %s(%s) WHERE %s <> '';`,
			"external_index_"+m.Resource+"_"+m.ExternalIndex, m.table, m.ExternalIndex, m.ExternalIndex)
	}

	if _, err := rep.db.Exec(createQuery); err != nil {
		logger.Default().WithError(err).Errorf("error while updating schema when running: %s", createQuery)
		return err
	}
	return nil
}

func (rep *Repository) model(resource string) (*resourceModel, error) {
	m, ok := rep.models[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource %s", resource)
	}
	return m, nil
}

// columns returns the typed columns in scan order.
func (m *resourceModel) columns(includeHidden bool) []string {
	columns := []string{m.idColumn}
	if m.parentColumn != "" {
		columns = append(columns, m.parentColumn)
	}
	if m.Owned {
		columns = append(columns, "user_id")
	}
	columns = append(columns, "created_at", "properties")
	for _, static := range m.statics {
		if m.hidden[static] && !includeHidden {
			continue
		}
		columns = append(columns, `"`+static+`"`)
	}
	return columns
}

// createScanValuesAndDocument prepares scan destinations for one row and
// the document the scanned values end up in.
func (m *resourceModel) createScanValuesAndDocument(includeHidden bool, extra ...interface{}) ([]interface{}, Document) {
	doc := Document{}
	var values []interface{}

	addUUID := func(key string) {
		id := &uuid.UUID{}
		values = append(values, id)
		doc[key] = id
	}
	addUUID(m.idColumn)
	if m.parentColumn != "" {
		addUUID(m.parentColumn)
	}
	if m.Owned {
		addUUID("user_id")
	}
	createdAt := &time.Time{}
	values = append(values, createdAt)
	doc["createdAt"] = createdAt

	properties := &json.RawMessage{}
	values = append(values, properties)
	doc["properties"] = properties

	for _, static := range m.statics {
		if m.hidden[static] && !includeHidden {
			continue
		}
		str := ""
		values = append(values, &str)
		doc[static] = &str
	}
	values = append(values, extra...)
	return values, doc
}

// flatten dereferences the scan destinations and merges the dynamic
// properties. Dynamic properties must not overwrite typed fields.
func (m *resourceModel) flatten(doc Document) Document {
	flat := Document{}
	for key, value := range doc {
		switch v := value.(type) {
		case *uuid.UUID:
			flat[key] = *v
		case *time.Time:
			flat[key] = *v
		case *string:
			flat[key] = *v
		default:
			flat[key] = value
		}
	}
	raw := doc["properties"].(*json.RawMessage)
	delete(flat, "properties")
	var properties map[string]interface{}
	if err := json.Unmarshal([]byte(*raw), &properties); err == nil {
		for key, value := range properties {
			if _, ok := flat[key]; !ok {
				flat[key] = value
			}
		}
	}
	return flat
}

// filterValueError classifies data exceptions raised while filtering: a
// value postgres cannot coerce into the column's type is a client error,
// not an internal one.
func filterValueError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Class() == "22" {
		return validationf("invalid filter value")
	}
	return err
}

// Scope restricts an operation to records below one parent.
type Scope struct {
	ParentID uuid.UUID
}

// ListResult is one page of matching documents together with the total
// unpaginated match count of the filtered set.
type ListResult struct {
	Documents []Document
	Total     int
}

// List executes a query specification against the collection: filter, then
// total count of the filtered set, then sort, then the page window, then
// projection. The populate edge configured for the collection is expanded
// inline.
func (rep *Repository) List(ctx context.Context, resource string, spec query.Spec, scope *Scope) (ListResult, error) {
	m, err := rep.model(resource)
	if err != nil {
		return ListResult{}, err
	}

	conditions := query.Conditions(spec, m.resolve)
	if scope != nil && m.parentColumn != "" {
		conditions = append(conditions, sq.Eq{m.parentColumn: scope.ParentID})
	}

	sb := sq.Select(append(m.columns(false), "count(*) OVER() AS full_count")...).
		From(m.table).
		PlaceholderFormat(sq.Dollar)
	for _, cond := range conditions {
		sb = sb.Where(cond)
	}
	orderBy := query.OrderExpressions(spec, m.resolve)
	orderBy = append(orderBy, m.idColumn+" DESC") // stable tiebreaker
	sb = sb.OrderBy(orderBy...).
		Limit(uint64(spec.Page.Size)).
		Offset(uint64(spec.Page.Offset()))

	sqlQuery, args, err := sb.ToSql()
	if err != nil {
		return ListResult{}, err
	}
	rows, err := rep.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		if verr := filterValueError(err); verr != err {
			return ListResult{}, verr
		}
		return ListResult{}, fmt.Errorf("cannot execute query `%s`: %w", sqlQuery, err)
	}
	defer rows.Close()

	result := ListResult{Documents: []Document{}}
	for rows.Next() {
		values, doc := m.createScanValuesAndDocument(false, &result.Total)
		if err := rows.Scan(values...); err != nil {
			return ListResult{}, err
		}
		result.Documents = append(result.Documents, m.flatten(doc))
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, filterValueError(err)
	}

	// sql does not return the window total if we ask beyond the last page,
	// hence we need a second query
	if result.Total == 0 && spec.Page.Offset() > 0 {
		cb := sq.Select("count(*)").From(m.table).PlaceholderFormat(sq.Dollar)
		for _, cond := range conditions {
			cb = cb.Where(cond)
		}
		countQuery, countArgs, err := cb.ToSql()
		if err != nil {
			return ListResult{}, err
		}
		if err := rep.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&result.Total); err != nil {
			return ListResult{}, filterValueError(err)
		}
	}

	if err := rep.populate(ctx, m, result.Documents); err != nil {
		return ListResult{}, err
	}
	for i, doc := range result.Documents {
		result.Documents[i] = project(doc, spec.Projection, m.idColumn)
	}
	return result, nil
}

// Get reads a single record. It fails with a NotFound condition when no
// record matches the identifier.
func (rep *Repository) Get(ctx context.Context, resource string, id uuid.UUID) (Document, error) {
	m, err := rep.model(resource)
	if err != nil {
		return nil, err
	}
	doc, err := rep.getWhere(ctx, m, sq.Eq{m.idColumn: id}, false)
	if err != nil {
		return nil, err
	}
	if err := rep.populate(ctx, m, []Document{doc}); err != nil {
		return nil, err
	}
	return doc, nil
}

// getWhere reads a single record by an arbitrary condition, without
// populate. Used internally and by the account routes.
func (rep *Repository) getWhere(ctx context.Context, m *resourceModel, cond sq.Sqlizer, includeHidden bool) (Document, error) {
	sqlQuery, args, err := sq.Select(m.columns(includeHidden)...).
		From(m.table).
		Where(cond).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}
	values, doc := m.createScanValuesAndDocument(includeHidden)
	err = rep.db.QueryRowContext(ctx, sqlQuery, args...).Scan(values...)
	if err == csql.ErrNoRows {
		return nil, notFoundf("no such %s", m.Resource)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "22P02" {
			return nil, validationf("invalid identifier")
		}
		return nil, err
	}
	return m.flatten(doc), nil
}

// CreateMeta carries the references stamped onto a new record.
type CreateMeta struct {
	ParentID uuid.UUID
	OwnerID  uuid.UUID
}

// Create validates and inserts a new record. It fails with a
// ValidationFailed condition when the document violates the resource's
// schema, breaks the parent reference or collides with the unique index.
func (rep *Repository) Create(ctx context.Context, resource string, doc Document, meta CreateMeta) (Document, error) {
	m, err := rep.model(resource)
	if err != nil {
		return nil, err
	}
	if err := rep.validate(m, doc); err != nil {
		return nil, err
	}

	id := uuid.New()
	columns := []string{m.idColumn}
	values := []interface{}{id}
	if m.parentColumn != "" {
		if meta.ParentID == uuid.Nil {
			return nil, validationf("missing %s", m.parentColumn)
		}
		columns = append(columns, m.parentColumn)
		values = append(values, meta.ParentID)
	}
	if m.Owned {
		columns = append(columns, "user_id")
		values = append(values, meta.OwnerID)
	}
	columns = append(columns, "properties")
	values = append(values, propertiesJSON(m, doc))
	for _, static := range m.statics {
		columns = append(columns, `"`+static+`"`)
		values = append(values, staticValue(doc, static))
	}

	sqlQuery, args, err := sq.Insert(m.table).
		Columns(columns...).
		Values(values...).
		Suffix("RETURNING created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}
	var createdAt time.Time
	err = rep.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&createdAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Code {
			case "23503": // foreign_key_violation
				return nil, notFoundf("no such %s", m.Parent)
			case "23505": // unique_violation
				return nil, validationf("duplicate %s", m.ExternalIndex)
			}
		}
		return nil, err
	}
	return rep.Get(ctx, resource, id)
}

// Update merges the patch into the stored record, re-validates the merged
// document and writes it back. The read-modify-write runs in a transaction.
func (rep *Repository) Update(ctx context.Context, resource string, id uuid.UUID, patch Document) (Document, error) {
	m, err := rep.model(resource)
	if err != nil {
		return nil, err
	}

	tx, err := rep.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sqlQuery, args, err := sq.Select(m.columns(true)...).
		From(m.table).
		Where(sq.Eq{m.idColumn: id}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}
	values, scanned := m.createScanValuesAndDocument(true)
	err = tx.QueryRowContext(ctx, sqlQuery, args...).Scan(values...)
	if err == csql.ErrNoRows {
		return nil, notFoundf("no such %s", m.Resource)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "22P02" {
			return nil, validationf("invalid identifier")
		}
		return nil, err
	}

	merged := m.flatten(scanned)
	for key, value := range patch {
		if isCoreField(m, key) {
			continue
		}
		merged[key] = value
	}
	if err := rep.validate(m, merged); err != nil {
		return nil, err
	}

	ub := sq.Update(m.table).
		Set("properties", propertiesJSON(m, merged)).
		Where(sq.Eq{m.idColumn: id}).
		PlaceholderFormat(sq.Dollar)
	for _, static := range m.statics {
		ub = ub.Set(`"`+static+`"`, staticValue(merged, static))
	}
	sqlQuery, args, err = ub.ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, sqlQuery, args...); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, validationf("duplicate %s", m.ExternalIndex)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return rep.Get(ctx, resource, id)
}

// Delete removes a record and returns it. It fails with a NotFound
// condition when no record matches the identifier.
func (rep *Repository) Delete(ctx context.Context, resource string, id uuid.UUID) (Document, error) {
	m, err := rep.model(resource)
	if err != nil {
		return nil, err
	}
	sqlQuery, args, err := sq.Delete(m.table).
		Where(sq.Eq{m.idColumn: id}).
		Suffix("RETURNING " + strings.Join(m.columns(false), ", ")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}
	values, doc := m.createScanValuesAndDocument(false)
	err = rep.db.QueryRowContext(ctx, sqlQuery, args...).Scan(values...)
	if err == csql.ErrNoRows {
		return nil, notFoundf("no such %s", m.Resource)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "22P02" {
			return nil, validationf("invalid identifier")
		}
		return nil, err
	}
	return m.flatten(doc), nil
}

// CountByOwner returns the number of records in the collection recorded to
// the given owner.
func (rep *Repository) CountByOwner(ctx context.Context, resource string, ownerID uuid.UUID) (int, error) {
	m, err := rep.model(resource)
	if err != nil {
		return 0, err
	}
	sqlQuery, args, err := sq.Select("count(*)").
		From(m.table).
		Where(sq.Eq{"user_id": ownerID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	err = rep.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count)
	return count, err
}

// setStatics updates typed columns directly, bypassing document
// validation. Only known static columns are accepted. Used by the account
// routes for credential material.
func (rep *Repository) setStatics(ctx context.Context, resource string, id uuid.UUID, updates map[string]string) error {
	m, err := rep.model(resource)
	if err != nil {
		return err
	}
	ub := sq.Update(m.table).Where(sq.Eq{m.idColumn: id}).PlaceholderFormat(sq.Dollar)
	for column, value := range updates {
		known := false
		for _, static := range m.statics {
			if column == static {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown static property %s", column)
		}
		ub = ub.Set(`"`+column+`"`, value)
	}
	sqlQuery, args, err := ub.ToSql()
	if err != nil {
		return err
	}
	result, err := rep.db.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return notFoundf("no such %s", m.Resource)
	}
	return nil
}

// populate expands the configured single-hop edge inline: every document
// gets its parent record embedded under the parent's resource name.
func (rep *Repository) populate(ctx context.Context, m *resourceModel, docs []Document) error {
	if m.Populate == "" || len(docs) == 0 {
		return nil
	}
	pm, err := rep.model(m.Populate)
	if err != nil {
		return err
	}

	ids := map[uuid.UUID]bool{}
	for _, doc := range docs {
		if id, ok := doc[m.parentColumn].(uuid.UUID); ok {
			ids[id] = true
		}
	}
	if len(ids) == 0 {
		return nil
	}
	idList := make([]uuid.UUID, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}

	sqlQuery, args, err := sq.Select(pm.columns(false)...).
		From(pm.table).
		Where(sq.Eq{pm.idColumn: idList}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	rows, err := rep.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	parents := map[uuid.UUID]Document{}
	for rows.Next() {
		values, doc := pm.createScanValuesAndDocument(false)
		if err := rows.Scan(values...); err != nil {
			return err
		}
		flat := pm.flatten(doc)
		if id, ok := flat.ID(pm.Resource); ok {
			parents[id] = flat
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, doc := range docs {
		if id, ok := doc[m.parentColumn].(uuid.UUID); ok {
			if parent, ok := parents[id]; ok {
				doc[m.Populate] = parent
			}
		}
	}
	return nil
}

func (rep *Repository) validate(m *resourceModel, doc Document) error {
	if m.SchemaID == "" || !rep.validator.HasSchema(m.SchemaID) {
		return nil
	}
	business := map[string]interface{}{}
	for key, value := range doc {
		if isCoreField(m, key) || m.hidden[key] {
			continue
		}
		business[key] = value
	}
	if err := rep.validator.ValidateDocument(business, m.SchemaID); err != nil {
		return validationf("document does not follow schema %s: %v", m.SchemaID, err)
	}
	return nil
}

// isCoreField reports whether the key is maintained by the repository and
// must not be set by clients.
func isCoreField(m *resourceModel, key string) bool {
	switch key {
	case m.idColumn, "createdAt", "created_at", "properties":
		return true
	}
	if m.parentColumn != "" && key == m.parentColumn {
		return true
	}
	if m.Owned && key == "user_id" {
		return true
	}
	if m.Populate != "" && key == m.Populate {
		return true
	}
	return false
}

func propertiesJSON(m *resourceModel, doc Document) []byte {
	extract := map[string]interface{}{}
	for key, value := range doc {
		if isCoreField(m, key) {
			continue
		}
		isStatic := false
		for _, static := range m.statics {
			if key == static {
				isStatic = true
				break
			}
		}
		if isStatic {
			continue
		}
		extract[key] = value
	}
	jsonData, _ := json.MarshalWithOption(extract, json.DisableHTMLEscape())
	return jsonData
}

func staticValue(doc Document, static string) string {
	if value, ok := doc[static].(string); ok {
		return value
	}
	return ""
}

// project trims the document to the requested fields. The primary
// identifier is always kept. An empty projection means all fields.
func project(doc Document, projection []string, idColumn string) Document {
	if len(projection) == 0 {
		return doc
	}
	trimmed := Document{idColumn: doc[idColumn]}
	for _, field := range projection {
		if value, ok := doc[field]; ok {
			trimmed[field] = value
		}
	}
	return trimmed
}
