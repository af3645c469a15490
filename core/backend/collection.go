package backend

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/campdir/campdir/core"
	"github.com/campdir/campdir/core/access"
	"github.com/campdir/campdir/core/query"
)

// bodyLimit is the maximum accepted size of a JSON request body.
const bodyLimit = 10 << 20

// guard enforces the collection's role policy for one operation. It
// returns the principal on success; an anonymous request gets the uniform
// Unauthorized condition, a known principal with insufficient role gets
// Forbidden.
func (b *Backend) guard(r *http.Request, m *resourceModel, operation core.Operation) (*access.Principal, error) {
	principal := access.PrincipalFromContext(r.Context())
	if m.Permits.Allows(principal, operation) {
		return principal, nil
	}
	if principal == nil {
		return nil, errNotAuthorized
	}
	return nil, forbiddenf("user role %s is not authorized to access this route", principal.Role)
}

// mutationDenied is the failed ownership refinement: anonymous requests
// get the uniform Unauthorized condition, known principals get Forbidden.
func mutationDenied(principal *access.Principal, verb, resource string) error {
	if principal == nil {
		return errNotAuthorized
	}
	return forbiddenf("user %s is not authorized to %s this %s", principal.UserID, verb, resource)
}

func decodeDocument(r *http.Request) (Document, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, bodyLimit))
	if err != nil {
		return nil, err
	}
	doc := Document{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, validationf("invalid json data: %v", err)
		}
	}
	return doc, nil
}

func routeUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, validationf("invalid %s", name)
	}
	return id, nil
}

// collectionList handles GET on the collection. With scoped set, the route
// runs below the parent and only returns records of that parent.
func (b *Backend) collectionList(m *resourceModel, scoped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := b.guard(r, m, core.OperationList); err != nil {
			writeError(w, r, err)
			return
		}

		spec := query.Translate(r.URL.Query())

		var scope *Scope
		if scoped {
			parentID, err := routeUUID(r, m.parentColumn)
			if err != nil {
				writeError(w, r, err)
				return
			}
			scope = &Scope{ParentID: parentID}
		}

		result, err := b.repository.List(r.Context(), m.Resource, spec, scope)
		if err != nil {
			writeError(w, r, err)
			return
		}

		count := len(result.Documents)
		pagination := &Pagination{}
		if spec.Page.Offset()+count < result.Total {
			pagination.Next = &PageRef{Page: spec.Page.Number + 1, Limit: spec.Page.Size}
		}
		if spec.Page.Number > 1 {
			pagination.Prev = &PageRef{Page: spec.Page.Number - 1, Limit: spec.Page.Size}
		}
		writeJSON(w, http.StatusOK, envelope{
			Success:    true,
			Count:      &count,
			Total:      &result.Total,
			Pagination: pagination,
			Data:       result.Documents,
		})
	}
}

// collectionRead handles GET on a single record.
func (b *Backend) collectionRead(m *resourceModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := b.guard(r, m, core.OperationRead); err != nil {
			writeError(w, r, err)
			return
		}
		id, err := routeUUID(r, m.idColumn)
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := b.repository.Get(r.Context(), m.Resource, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, doc)
	}
}

// collectionCreate handles POST on the collection. With scoped set, the
// new record's parent comes from the route; otherwise a parented resource
// expects the parent identifier in the body.
func (b *Backend) collectionCreate(m *resourceModel, scoped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := b.guard(r, m, core.OperationCreate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := decodeDocument(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		meta := CreateMeta{}
		if m.Owned && principal != nil {
			meta.OwnerID = principal.UserID
		}
		if m.parentColumn != "" {
			if scoped {
				meta.ParentID, err = routeUUID(r, m.parentColumn)
			} else {
				meta.ParentID, err = bodyUUID(doc, m.parentColumn)
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			if m.ParentOwnership {
				if err := b.checkParentOwnership(r, m, meta.ParentID, principal); err != nil {
					writeError(w, r, err)
					return
				}
			}
		}

		// an owner without elevated role can only hold a single record
		if m.SinglePerOwner && principal != nil && !principal.HasRole(m.elevatedRoles()...) {
			count, err := b.repository.CountByOwner(r.Context(), m.Resource, principal.UserID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if count > 0 {
				writeError(w, r, validationf("the user with ID %s has already published a %s", principal.UserID, m.Resource))
				return
			}
		}

		if m.Resource == identityResource {
			if err := hashPasswordField(doc); err != nil {
				writeError(w, r, err)
				return
			}
		}

		created, err := b.repository.Create(r.Context(), m.Resource, doc, meta)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if id, ok := created.ID(m.Resource); ok {
			b.notify(r.Context(), m.Resource, core.OperationCreate, id)
		}
		writeData(w, http.StatusCreated, created)
	}
}

// collectionUpdate handles PUT on a single record. On owned collections
// the principal must be the record's owner or carry an elevated role.
func (b *Backend) collectionUpdate(m *resourceModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := b.guard(r, m, core.OperationUpdate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := routeUUID(r, m.idColumn)
		if err != nil {
			writeError(w, r, err)
			return
		}
		current, err := b.repository.Get(r.Context(), m.Resource, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if m.Owned && !access.CanMutateOwned(principal, current.Owner(), m.elevatedRoles()...) {
			writeError(w, r, mutationDenied(principal, "update", m.Resource))
			return
		}
		patch, err := decodeDocument(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if m.Resource == identityResource {
			if err := hashPasswordField(patch); err != nil {
				writeError(w, r, err)
				return
			}
		}
		updated, err := b.repository.Update(r.Context(), m.Resource, id, patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if m.Resource == identityResource {
			b.cache.Invalidate(id)
		}
		b.notify(r.Context(), m.Resource, core.OperationUpdate, id)
		writeData(w, http.StatusOK, updated)
	}
}

// collectionDelete handles DELETE on a single record, with the same
// ownership refinement as update. File payloads of the record are removed
// as well.
func (b *Backend) collectionDelete(m *resourceModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := b.guard(r, m, core.OperationDelete)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := routeUUID(r, m.idColumn)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if m.Owned {
			current, err := b.repository.Get(r.Context(), m.Resource, id)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !access.CanMutateOwned(principal, current.Owner(), m.elevatedRoles()...) {
				writeError(w, r, mutationDenied(principal, "delete", m.Resource))
				return
			}
		}
		deleted, err := b.repository.Delete(r.Context(), m.Resource, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if m.WithPhoto && b.kssDriver != nil {
			b.deletePayloads(r, m, id)
		}
		if m.Resource == identityResource {
			b.cache.Invalidate(id)
		}
		b.notify(r.Context(), m.Resource, core.OperationDelete, id)
		writeData(w, http.StatusOK, deleted)
	}
}

// checkParentOwnership requires the principal to own the parent record, or
// to carry an elevated role.
func (b *Backend) checkParentOwnership(r *http.Request, m *resourceModel, parentID uuid.UUID, principal *access.Principal) error {
	parent, err := b.repository.Get(r.Context(), m.Parent, parentID)
	if err != nil {
		return err
	}
	if !access.CanMutateOwned(principal, parent.Owner(), m.elevatedRoles()...) {
		if principal == nil {
			return errNotAuthorized
		}
		return forbiddenf("user %s is not authorized to add a %s to this %s", principal.UserID, m.Resource, m.Parent)
	}
	return nil
}

func bodyUUID(doc Document, key string) (uuid.UUID, error) {
	value, ok := doc[key].(string)
	if !ok {
		return uuid.Nil, validationf("missing %s", key)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, validationf("invalid %s", key)
	}
	return id, nil
}
