package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/quickblog/app/web/persistence"
	"github.com/umputun/quickblog/app/web/urls"
)

// errNotAuthor returned by getPost for posts of other users
var errNotAuthor = errors.New("not the author")

// handleBlogIndex shows all posts, newest first
func (s *Server) handleBlogIndex(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.ListPosts()
	if err != nil {
		log.Printf("[ERROR] failed to list posts: %v", err)
		http.Error(w, "Failed to load posts", http.StatusInternalServerError)
		return
	}
	s.render(w, r, http.StatusOK, "blog_index.html", TemplateData{Posts: posts})
}

func (s *Server) handleCreatePostForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "blog_create.html", TemplateData{})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	title, body := strings.TrimSpace(r.FormValue("title")), r.FormValue("body")
	if title == "" {
		s.session(r).Flash("Title is required.")
		s.render(w, r, http.StatusBadRequest, "blog_create.html", TemplateData{Post: persistence.Post{Body: body}})
		return
	}

	user := currentUser(r)
	id, err := s.store.CreatePost(user.ID, title, body)
	if err != nil {
		log.Printf("[ERROR] failed to create post for %s: %v", user.Username, err)
		http.Error(w, "Failed to create post", http.StatusInternalServerError)
		return
	}
	log.Printf("[DEBUG] post %d created by %s", id, user.Username)
	s.redirect(w, r, "blog_index")
}

func (s *Server) handleUpdatePostForm(w http.ResponseWriter, r *http.Request, vals urls.Values) {
	post, ok := s.authorPost(w, r, vals)
	if !ok {
		return
	}
	s.render(w, r, http.StatusOK, "blog_update.html", TemplateData{Post: post})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request, vals urls.Values) {
	post, ok := s.authorPost(w, r, vals)
	if !ok {
		return
	}

	title, body := strings.TrimSpace(r.FormValue("title")), r.FormValue("body")
	if title == "" {
		s.session(r).Flash("Title is required.")
		post.Body = body
		s.render(w, r, http.StatusBadRequest, "blog_update.html", TemplateData{Post: post})
		return
	}

	if err := s.store.UpdatePost(post.ID, title, body); err != nil {
		log.Printf("[ERROR] failed to update post %d: %v", post.ID, err)
		http.Error(w, "Failed to update post", http.StatusInternalServerError)
		return
	}
	s.redirect(w, r, "blog_index")
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, vals urls.Values) {
	post, ok := s.authorPost(w, r, vals)
	if !ok {
		return
	}
	if err := s.store.DeletePost(post.ID); err != nil {
		log.Printf("[ERROR] failed to delete post %d: %v", post.ID, err)
		http.Error(w, "Failed to delete post", http.StatusInternalServerError)
		return
	}
	log.Printf("[DEBUG] post %d deleted", post.ID)
	s.redirect(w, r, "blog_index")
}

// authorPost loads the post from the "id" value for its author. Responds with 404 for missing post,
// 403 for other users and returns false in both cases.
func (s *Server) authorPost(w http.ResponseWriter, r *http.Request, vals urls.Values) (persistence.Post, bool) {
	id := int64(vals.Int("id"))
	post, err := s.getPost(id, currentUser(r))
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, fmt.Sprintf("Post id %d doesn't exist.", id), http.StatusNotFound)
		return persistence.Post{}, false
	case errors.Is(err, errNotAuthor):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return persistence.Post{}, false
	case err != nil:
		log.Printf("[ERROR] failed to get post %d: %v", id, err)
		http.Error(w, "Failed to load post", http.StatusInternalServerError)
		return persistence.Post{}, false
	}
	return post, true
}

// getPost returns the post, checking the author if user is not nil
func (s *Server) getPost(id int64, user *persistence.User) (persistence.Post, error) {
	post, err := s.store.GetPost(id)
	if err != nil {
		return persistence.Post{}, err
	}
	if user != nil && post.AuthorID != user.ID {
		return persistence.Post{}, errNotAuthor
	}
	return post, nil
}
