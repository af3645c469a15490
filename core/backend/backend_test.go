package backend_test

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Bootcamp is the test view of a bootcamp document
type Bootcamp struct {
	BootcampID    uuid.UUID `json:"bootcamp_id"`
	UserID        uuid.UUID `json:"user_id"`
	CreatedAt     time.Time `json:"createdAt"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	AverageCost   float64   `json:"averageCost"`
	Careers       []string  `json:"careers"`
	Housing       bool      `json:"housing"`
	JobAssistance bool      `json:"jobAssistance"`
	Photo         string    `json:"photo"`
}

// Course is the test view of a course document
type Course struct {
	CourseID     uuid.UUID `json:"course_id"`
	BootcampID   uuid.UUID `json:"bootcamp_id"`
	UserID       uuid.UUID `json:"user_id"`
	Title        string    `json:"title"`
	Tuition      float64   `json:"tuition"`
	MinimumSkill string    `json:"minimumSkill"`
	Bootcamp     *Bootcamp `json:"bootcamp"`
}

// Review is the test view of a review document
type Review struct {
	ReviewID   uuid.UUID `json:"review_id"`
	BootcampID uuid.UUID `json:"bootcamp_id"`
	UserID     uuid.UUID `json:"user_id"`
	Title      string    `json:"title"`
	Rating     float64   `json:"rating"`
	Bootcamp   *Bootcamp `json:"bootcamp"`
}

type pageRef struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type pagination struct {
	Next *pageRef `json:"next"`
	Prev *pageRef `json:"prev"`
}

type bootcampPage struct {
	Success    bool       `json:"success"`
	Count      int        `json:"count"`
	Total      int        `json:"total"`
	Pagination pagination `json:"pagination"`
	Data       []Bootcamp `json:"data"`
}

func TestCollectionBootcampCRUD(t *testing.T) {
	s := createTestService(t, "backend_unit_test_crud")

	newBootcamp := Bootcamp{
		Name:        "Devworks Bootcamp",
		Description: "Full stack web development",
		AverageCost: 10000,
		Careers:     []string{"Web Development", "UI/UX"},
		Housing:     true,
	}
	var created struct {
		Success bool     `json:"success"`
		Data    Bootcamp `json:"data"`
	}
	status, err := s.client.Post("/api/v1/bootcamps", newBootcamp, &created)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, created.Success)
	require.NotEqual(t, uuid.Nil, created.Data.BootcampID)
	assert.Equal(t, "Devworks Bootcamp", created.Data.Name)
	assert.False(t, created.Data.CreatedAt.IsZero())

	id := created.Data.BootcampID
	var read struct {
		Data Bootcamp `json:"data"`
	}
	status, err = s.clientNoAuth.Get("/api/v1/bootcamps/"+id.String(), &read)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.Data.BootcampID, read.Data.BootcampID)
	assert.Equal(t, 10000.0, read.Data.AverageCost)

	var updated struct {
		Data Bootcamp `json:"data"`
	}
	status, err = s.client.Put("/api/v1/bootcamps/"+id.String(),
		map[string]interface{}{"description": "MERN stack development"}, &updated)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "MERN stack development", updated.Data.Description)
	assert.Equal(t, "Devworks Bootcamp", updated.Data.Name, "update must merge, not replace")

	status, err = s.client.Delete("/api/v1/bootcamps/"+id.String(), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	status, _ = s.clientNoAuth.Get("/api/v1/bootcamps/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCollectionFilters(t *testing.T) {
	s := createTestService(t, "backend_unit_test_filters")

	fixtures := []Bootcamp{
		{Name: "Devworks", AverageCost: 10000, Housing: true, Careers: []string{"Web Development"}},
		{Name: "ModernTech", AverageCost: 6000, Housing: false, Careers: []string{"Mobile Development", "Business"}},
		{Name: "Codemasters", AverageCost: 8000, Housing: true, Careers: []string{"Data Science", "Business"}},
	}
	for _, fixture := range fixtures {
		status, err := s.client.Post("/api/v1/bootcamps", fixture, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, status)
	}

	var page bootcampPage
	_, err := s.clientNoAuth.Get("/api/v1/bootcamps?averageCost[lte]=8000", &page)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, 2, page.Total)

	page = bootcampPage{}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps?averageCost[gt]=6000&housing=true", &page)
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	for _, b := range page.Data {
		assert.True(t, b.Housing)
		assert.Greater(t, b.AverageCost, 6000.0)
	}

	page = bootcampPage{}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps?careers[in]=Business", &page)
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	for _, b := range page.Data {
		assert.Contains(t, b.Careers, "Business")
	}

	// an unknown operator token is no operator, the key matches nothing
	page = bootcampPage{}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps?averageCost[approx]=8000", &page)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Count)

	// a filter value the column's type cannot hold is a client error
	status, err := s.clientNoAuth.Get("/api/v1/bootcamps?createdAt=abc", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, err.Error(), "invalid filter value")

	status, _ = s.clientNoAuth.Get("/api/v1/bootcamps?createdAt[gt]=2024", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCollectionPagination(t *testing.T) {
	s := createTestService(t, "backend_unit_test_pagination")

	numberOfElements := 37
	for i := 1; i <= numberOfElements; i++ {
		bootcamp := Bootcamp{Name: fmt.Sprintf("Bootcamp %03d", i), AverageCost: float64(i * 100)}
		status, err := s.client.Post("/api/v1/bootcamps", bootcamp, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, status)
	}

	var page bootcampPage
	_, err := s.clientNoAuth.Get("/api/v1/bootcamps?limit=10", &page)
	require.NoError(t, err)
	assert.Equal(t, 10, page.Count)
	assert.Equal(t, numberOfElements, page.Total)
	require.NotNil(t, page.Pagination.Next)
	assert.Equal(t, pageRef{Page: 2, Limit: 10}, *page.Pagination.Next)
	assert.Nil(t, page.Pagination.Prev)

	page = bootcampPage{}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps?limit=10&page=4", &page)
	require.NoError(t, err)
	assert.Equal(t, 7, page.Count)
	assert.Equal(t, numberOfElements, page.Total)
	assert.Nil(t, page.Pagination.Next)
	require.NotNil(t, page.Pagination.Prev)
	assert.Equal(t, pageRef{Page: 3, Limit: 10}, *page.Pagination.Prev)

	// beyond the last page we still get the correct total
	page = bootcampPage{}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps?limit=10&page=5", &page)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Count)
	assert.Equal(t, numberOfElements, page.Total)

	// malformed page and limit fall back to the defaults
	page = bootcampPage{}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps?page=zero&limit=-5", &page)
	require.NoError(t, err)
	assert.Equal(t, 25, page.Count)
	assert.Equal(t, numberOfElements, page.Total)
}

func TestCollectionSelectAndSort(t *testing.T) {
	s := createTestService(t, "backend_unit_test_select")

	for i := 1; i <= 3; i++ {
		bootcamp := Bootcamp{
			Name:        fmt.Sprintf("Bootcamp %d", i),
			Description: "a description",
			AverageCost: float64(i * 1000),
		}
		status, err := s.client.Post("/api/v1/bootcamps", bootcamp, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, status)
	}

	var page struct {
		Data []map[string]interface{} `json:"data"`
	}
	_, err := s.clientNoAuth.Get("/api/v1/bootcamps?select=name,averageCost&sort=-averageCost", &page)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	for _, doc := range page.Data {
		assert.Contains(t, doc, "name")
		assert.Contains(t, doc, "averageCost")
		assert.Contains(t, doc, "bootcamp_id", "the identifier is always kept")
		assert.NotContains(t, doc, "description")
	}
	assert.Equal(t, "Bootcamp 3", page.Data[0]["name"])
	assert.Equal(t, "Bootcamp 1", page.Data[2]["name"])

	// default sort is newest first
	var defaultPage bootcampPage
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps", &defaultPage)
	require.NoError(t, err)
	require.Len(t, defaultPage.Data, 3)
	for i := 1; i < len(defaultPage.Data); i++ {
		assert.False(t, defaultPage.Data[i-1].CreatedAt.Before(defaultPage.Data[i].CreatedAt))
	}
}

func TestCollectionAuthorization(t *testing.T) {
	s := createTestService(t, "backend_unit_test_authorization")

	bootcamp := Bootcamp{Name: "Devworks"}

	// anonymous mutation gets the uniform unauthorized answer
	status, err := s.clientNoAuth.Post("/api/v1/bootcamps", bootcamp, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized to access this route")

	// the user role cannot publish bootcamps
	status, err = s.clientNoAuth.WithRole("user").Post("/api/v1/bootcamps", bootcamp, nil)
	assert.Equal(t, http.StatusForbidden, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user role user is not authorized")

	publisher := s.clientNoAuth.WithRole("publisher")
	var created struct {
		Data Bootcamp `json:"data"`
	}
	status, err = publisher.Post("/api/v1/bootcamps", bootcamp, &created)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	id := created.Data.BootcampID

	// a publisher can only hold a single bootcamp
	status, err = publisher.Post("/api/v1/bootcamps", Bootcamp{Name: "Second"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already published a bootcamp")

	// a different publisher cannot touch it, the owner and the admin can
	stranger := s.clientNoAuth.WithRole("publisher")
	status, _ = stranger.Put("/api/v1/bootcamps/"+id.String(), map[string]interface{}{"housing": true}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = stranger.Delete("/api/v1/bootcamps/"+id.String(), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, err = publisher.Put("/api/v1/bootcamps/"+id.String(), map[string]interface{}{"housing": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	status, err = s.client.Delete("/api/v1/bootcamps/"+id.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestCollectionValidation(t *testing.T) {
	s := createTestService(t, "backend_unit_test_validation")

	// name is required
	status, err := s.client.Post("/api/v1/bootcamps", map[string]interface{}{"description": "nameless"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")

	// invalid json data
	status, err = s.client.Post("/api/v1/bootcamps", []byte(`{"name": `), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid json data")
}

func TestCollectionCourses(t *testing.T) {
	s := createTestService(t, "backend_unit_test_courses")

	publisher := s.clientNoAuth.WithRole("publisher")
	var createdBootcamp struct {
		Data Bootcamp `json:"data"`
	}
	status, err := publisher.Post("/api/v1/bootcamps", Bootcamp{Name: "Devworks"}, &createdBootcamp)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	bootcampID := createdBootcamp.Data.BootcampID

	course := Course{Title: "Front End Web Development", Tuition: 8000, MinimumSkill: "beginner"}
	var createdCourse struct {
		Data Course `json:"data"`
	}
	status, err = publisher.Post("/api/v1/bootcamps/"+bootcampID.String()+"/courses", course, &createdCourse)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, bootcampID, createdCourse.Data.BootcampID)

	// only the bootcamp owner can add courses to it
	stranger := s.clientNoAuth.WithRole("publisher")
	status, _ = stranger.Post("/api/v1/bootcamps/"+bootcampID.String()+"/courses", course, nil)
	assert.Equal(t, http.StatusForbidden, status)

	// the admin always can, also standalone with the parent in the body
	status, err = s.client.Post("/api/v1/courses", map[string]interface{}{
		"title":       "Data Science",
		"bootcamp_id": bootcampID.String(),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	// a course under an unknown bootcamp cannot be created
	status, _ = s.client.Post("/api/v1/bootcamps/"+uuid.NewString()+"/courses", course, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// the scoped list only returns courses of that bootcamp, populated
	// with their bootcamp
	var page struct {
		Count int      `json:"count"`
		Data  []Course `json:"data"`
	}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps/"+bootcampID.String()+"/courses", &page)
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	for _, c := range page.Data {
		assert.Equal(t, bootcampID, c.BootcampID)
		require.NotNil(t, c.Bootcamp)
		assert.Equal(t, "Devworks", c.Bootcamp.Name)
	}

	// deleting the bootcamp cascades to its courses
	status, err = s.client.Delete("/api/v1/bootcamps/"+bootcampID.String(), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	page.Count = -1
	_, err = s.clientNoAuth.Get("/api/v1/courses", &page)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Count)
}

func TestCollectionReviews(t *testing.T) {
	s := createTestService(t, "backend_unit_test_reviews")

	var createdBootcamp struct {
		Data Bootcamp `json:"data"`
	}
	_, err := s.clientNoAuth.WithRole("publisher").
		Post("/api/v1/bootcamps", Bootcamp{Name: "Devworks"}, &createdBootcamp)
	require.NoError(t, err)
	bootcampID := createdBootcamp.Data.BootcampID
	reviewsPath := "/api/v1/bootcamps/" + bootcampID.String() + "/reviews"

	// ratings live on a 1..10 scale
	status, err := s.clientNoAuth.WithRole("user").
		Post(reviewsPath, Review{Title: "Too good", Rating: 11}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)

	reviewer := s.clientNoAuth.WithRole("user")
	var createdReview struct {
		Data Review `json:"data"`
	}
	status, err = reviewer.Post(reviewsPath, Review{Title: "Great bootcamp", Rating: 8}, &createdReview)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, bootcampID, createdReview.Data.BootcampID)

	// publishers cannot write reviews
	status, _ = s.clientNoAuth.WithRole("publisher").
		Post(reviewsPath, Review{Title: "My own bootcamp rocks", Rating: 10}, nil)
	assert.Equal(t, http.StatusForbidden, status)

	// a reviewer can amend their own review, but nobody else's
	reviewID := createdReview.Data.ReviewID
	status, err = reviewer.Put("/api/v1/reviews/"+reviewID.String(),
		map[string]interface{}{"rating": 9}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.clientNoAuth.WithRole("user").
		Put("/api/v1/reviews/"+reviewID.String(), map[string]interface{}{"rating": 1}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestCollectionPhoto(t *testing.T) {
	s := createTestService(t, "backend_unit_test_photo")

	publisher := s.clientNoAuth.WithRole("publisher")
	var created struct {
		Data Bootcamp `json:"data"`
	}
	_, err := publisher.Post("/api/v1/bootcamps", Bootcamp{Name: "Devworks"}, &created)
	require.NoError(t, err)
	id := created.Data.BootcampID
	photoPath := "/api/v1/bootcamps/" + id.String() + "/photo"
	payload := []byte("\x89PNG\r\n\x1a\nnot really a png")

	// only an image payload is accepted
	status, err := publisher.PutMultipart(photoPath, "photo.txt", "text/plain", payload)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")

	// strangers cannot upload
	status, _ = s.clientNoAuth.WithRole("publisher").
		PutMultipart(photoPath, "photo.png", "image/png", payload)
	assert.Equal(t, http.StatusForbidden, status)

	status, err = publisher.PutMultipart(photoPath, "photo.png", "image/png", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	var read struct {
		Data Bootcamp `json:"data"`
	}
	_, err = s.clientNoAuth.Get("/api/v1/bootcamps/"+id.String(), &read)
	require.NoError(t, err)
	assert.Equal(t, "photo_"+id.String()+".png", read.Data.Photo)

	var raw []byte
	status, err = s.clientNoAuth.Get(photoPath, &raw)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasSuffix(string(raw), "not really a png"))
}
