package atheneum

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Container names are dot-separated, lowercase alphanumeric segments. The
// name encodes the node's place in the hierarchy: "course.csc301" is a
// course, "course.csc301.tutorial.t1" is a tutorial of that course, and
// anything else is a plain container.
var (
	validContainerName = regexp.MustCompile(`^[0-9a-z.]+$`)
	validCodeSegment   = regexp.MustCompile(`^[a-z0-9]+$`)
	courseName         = regexp.MustCompile(`^course\.[^.]*$`)
	tutorialName       = regexp.MustCompile(`^course\..*\.tutorial\..*$`)
	tutorialRoleSpec   = regexp.MustCompile(`^tutorial\..*\.(student|ta|instructor)$`)
	courseRoleSpec     = regexp.MustCompile(`^(ta|student|instructor)$`)
	taGroup            = regexp.MustCompile(`\.ta$`)
)

var (
	ErrContainerName     = NewError(ErrValidation, "invalid container name")
	ErrContainerExists   = NewError(ErrConflict, "container already exists")
	ErrContainerNotFound = NewError(ErrNotFound, "container not found")
	ErrCourseNotFound    = NewError(ErrNotFound, "course not found")
	ErrTutorialNotFound  = NewError(ErrNotFound, "tutorial not found")
	ErrNotACourse        = NewError(ErrInvalidOperation, "container is not a course")
	ErrNotATutorial      = NewError(ErrInvalidOperation, "container is not a tutorial")
)

// Membership role suffixes appended to a container name to form a group.
const (
	RoleStudent    = "student"
	RoleTA         = "ta"
	RoleInstructor = "instructor"
)

// Reserved keys inside a container's content bag.
const (
	contentKeyVersion     = "_v"
	contentKeyName        = "_name"
	contentKeyDisplayName = "_displayName"
)

// ContainerKind classifies a container by the shape of its name.
type ContainerKind int

const (
	KindPlain ContainerKind = iota
	KindCourse
	KindTutorial
)

// A ContainerPath is a parsed container name. Parsing happens once, at the
// boundary, so the rest of the code asks the path for its kind instead of
// re-running regexes against raw strings.
type ContainerPath struct {
	Name string
	Kind ContainerKind
}

func ParsePath(name string) (ContainerPath, error) {
	if !validContainerName.MatchString(name) {
		return ContainerPath{}, ErrContainerName
	}
	kind := KindPlain
	if courseName.MatchString(name) {
		kind = KindCourse
	} else if tutorialName.MatchString(name) {
		kind = KindTutorial
	}
	return ContainerPath{Name: name, Kind: kind}, nil
}

// CourseName returns the course prefix of a tutorial path, or the path's own
// name for a course.
func (p ContainerPath) CourseName() string {
	if p.Kind != KindTutorial {
		return p.Name
	}
	if i := strings.Index(p.Name, ".tutorial."); i > 0 {
		return p.Name[:i]
	}
	return p.Name
}

// Code returns the final segment of the name.
func (p ContainerPath) Code() string {
	parts := strings.Split(p.Name, ".")
	return parts[len(parts)-1]
}

// A Container is one node of the authorization hierarchy. The ACL group
// fields are stored and reported, but authorization on the admin surface is
// a flat admin check rather than a per-container ACL walk.
type Container struct {
	Id           int64
	Name         string
	ReadGroups   string
	WriteGroups  string
	DeleteGroups string
	Content      map[string]string
	Created      time.Time
	Modified     time.Time
}

func (c *Container) Path() ContainerPath {
	p, _ := ParsePath(c.Name)
	return p
}

func (c *Container) IsCourse() bool {
	return courseName.MatchString(c.Name)
}

func (c *Container) IsTutorial() bool {
	return tutorialName.MatchString(c.Name)
}

func (c *Container) contentOr(key, fallback string) string {
	if c.Content == nil {
		return fallback
	}
	if v := c.Content[key]; v != "" {
		return v
	}
	return fallback
}

// Version reports the content schema version, "Unknown" when absent.
func (c *Container) Version() string {
	return c.contentOr(contentKeyVersion, "Unknown")
}

// ContentName reports the short code stored in content, "Unknown" when absent.
func (c *Container) ContentName() string {
	return c.contentOr(contentKeyName, "Unknown")
}

// DisplayName reports the human-facing name, "Unknown" when absent.
func (c *Container) DisplayName() string {
	return c.contentOr(contentKeyDisplayName, "Unknown")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Container administration

// CreateContainer validates the name and inserts a new container. The name
// must be unique across the whole hierarchy.
func (x *Central) CreateContainer(name, readGroups, writeGroups, deleteGroups string, content map[string]string) (*Container, error) {
	if _, err := ParsePath(name); err != nil {
		return nil, err
	}
	if _, err := x.containerDB.GetByName(name); err == nil {
		return nil, ErrContainerExists
	}
	container := &Container{
		Name:         name,
		ReadGroups:   readGroups,
		WriteGroups:  writeGroups,
		DeleteGroups: deleteGroups,
		Content:      content,
		Created:      time.Now().UTC(),
		Modified:     time.Now().UTC(),
	}
	if err := x.containerDB.Insert(container); err != nil {
		return nil, err
	}
	x.Auditor.AuditUserAction("", "Container: "+name, "", AuditActionCreated)
	return container, nil
}

// CreateCourse builds the container for a new course. The code becomes the
// final name segment; the display name goes into the content bag.
func (x *Central) CreateCourse(code, displayName string) (*Container, error) {
	if !validCodeSegment.MatchString(code) {
		return nil, NewError(ErrValidation, "invalid course code")
	}
	if displayName == "" {
		return nil, NewError(ErrValidation, "invalid course name")
	}
	return x.CreateContainer("course."+code, "admin", "admin", "admin", map[string]string{
		contentKeyVersion:     "1",
		contentKeyName:        code,
		contentKeyDisplayName: displayName,
	})
}

// CreateTutorial builds a tutorial container under an existing course.
func (x *Central) CreateTutorial(courseName string, code, displayName string) (*Container, error) {
	if !validCodeSegment.MatchString(code) {
		return nil, NewError(ErrValidation, "invalid tutorial code")
	}
	if displayName == "" {
		return nil, NewError(ErrValidation, "invalid tutorial name")
	}
	course, err := x.GetCourse(courseName)
	if err != nil {
		return nil, err
	}
	return x.CreateContainer(course.Name+".tutorial."+code, "admin", "admin", "admin", map[string]string{
		contentKeyVersion:     "1",
		contentKeyName:        code,
		contentKeyDisplayName: displayName,
	})
}

func (x *Central) GetContainer(name string) (*Container, error) {
	return x.containerDB.GetByName(name)
}

func (x *Central) GetAllContainers() ([]*Container, error) {
	return x.containerDB.GetAll()
}

// GetCourse retrieves a container and verifies it is a course.
func (x *Central) GetCourse(name string) (*Container, error) {
	container, err := x.containerDB.GetByName(name)
	if err != nil {
		return nil, err
	}
	if !container.IsCourse() {
		return nil, ErrCourseNotFound
	}
	return container, nil
}

// GetAllCourses retrieves every course container.
func (x *Central) GetAllCourses() ([]*Container, error) {
	return x.containerDB.FindByNameRegex(`^course\.[^.]*$`)
}

// GetAllTutorials retrieves the tutorial containers of a course.
func (x *Central) GetAllTutorials(course *Container) ([]*Container, error) {
	if !course.IsCourse() {
		return nil, ErrNotACourse
	}
	return x.containerDB.FindByNameRegex("^" + course.Name + `\.tutorial\..*$`)
}

// GetCourseById retrieves a course container by its store ID.
func (x *Central) GetCourseById(id int64) (*Container, error) {
	container, err := x.containerDB.GetById(id)
	if err != nil {
		return nil, err
	}
	if !container.IsCourse() {
		return nil, ErrCourseNotFound
	}
	return container, nil
}

// GetCourseAndTutorialById resolves a (course, tutorial) pair by store IDs
// and verifies the tutorial actually belongs to the course.
func (x *Central) GetCourseAndTutorialById(courseId, tutorialId int64) (*Container, *Container, error) {
	course, err := x.GetCourseById(courseId)
	if err != nil {
		return nil, nil, ErrCourseNotFound
	}
	tutorials, eTuts := x.GetAllTutorials(course)
	if eTuts != nil {
		return nil, nil, eTuts
	}
	for _, t := range tutorials {
		if t.Id == tutorialId {
			return course, t, nil
		}
	}
	return nil, nil, ErrTutorialNotFound
}

// GetCourseAndTutorial resolves a (course, tutorial) pair and verifies the
// tutorial actually belongs to the course.
func (x *Central) GetCourseAndTutorial(courseName, tutorialName string) (*Container, *Container, error) {
	course, err := x.GetCourse(courseName)
	if err != nil {
		return nil, nil, ErrCourseNotFound
	}
	tutorials, eTuts := x.GetAllTutorials(course)
	if eTuts != nil {
		return nil, nil, eTuts
	}
	for _, t := range tutorials {
		if t.Name == tutorialName {
			return course, t, nil
		}
	}
	return nil, nil, ErrTutorialNotFound
}

// UpdateContainerDisplayName overwrites the display name in the content bag.
func (x *Central) UpdateContainerDisplayName(container *Container, displayName string) error {
	if container.Content == nil {
		container.Content = map[string]string{}
	}
	container.Content[contentKeyDisplayName] = displayName
	container.Modified = time.Now().UTC()
	if err := x.containerDB.Update(container); err != nil {
		return err
	}
	x.Auditor.AuditUserAction("", "Container: "+container.Name, "", AuditActionUpdated)
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Membership

// groupName forms the group granted for a role on a container.
func groupName(container *Container, role string) string {
	return container.Name + "." + role
}

// AddUserToContainer grants 'user' the given role on 'container'. The grant
// is idempotent: a group that is already present is not duplicated.
func (x *Central) AddUserToContainer(user *User, container *Container, role string) error {
	group := groupName(container, role)
	if user.HasGroup(group) {
		return nil
	}
	groups := append(append([]string{}, user.Groups...), group)
	if err := x.SetUserGroups(user.UserId, groups); err != nil {
		return err
	}
	user.Groups = groups
	return nil
}

// RemoveUserFromContainer revokes one role grant. Other grants on the same
// container, and grants on sub-containers, are untouched.
func (x *Central) RemoveUserFromContainer(user *User, container *Container, role string) error {
	group := groupName(container, role)
	if !user.HasGroup(group) {
		return nil
	}
	groups := []string{}
	for _, g := range user.Groups {
		if g != group {
			groups = append(groups, g)
		}
	}
	if err := x.SetUserGroups(user.UserId, groups); err != nil {
		return err
	}
	user.Groups = groups
	return nil
}

// AddTutorialStudent enrols 'user' as a student of the tutorial and of its
// parent course in one operation. Both grants are idempotent.
func (x *Central) AddTutorialStudent(user *User, course, tutorial *Container) error {
	if !tutorial.IsTutorial() || tutorial.Path().CourseName() != course.Name {
		return NewError(ErrValidation, "tutorial "+tutorial.Name+" does not belong to course "+course.Name)
	}
	if err := x.AddUserToContainer(user, tutorial, RoleStudent); err != nil {
		return err
	}
	return x.AddUserToContainer(user, course, RoleStudent)
}

// RemoveTutorialStudent revokes the student role on the tutorial only. The
// course enrolment stays.
func (x *Central) RemoveTutorialStudent(user *User, tutorial *Container) error {
	if !tutorial.IsTutorial() {
		return NewError(ErrValidation, tutorial.Name+" is not a tutorial")
	}
	return x.RemoveUserFromContainer(user, tutorial, RoleStudent)
}

// RemoveContainerAndAllSubContainers strips every group of 'user' that the
// container name matches as an unanchored pattern. Dots in the name are
// pattern wildcards here, so "course.ta" also strips "course.tazzz.student".
// This matching is shared with the cascade delete; both sides inherit the
// same collision behavior.
func (x *Central) RemoveContainerAndAllSubContainers(user *User, container *Container) error {
	pattern, err := regexp.Compile(container.Name)
	if err != nil {
		return NewError(ErrValidation, err.Error())
	}
	groups := []string{}
	for _, g := range user.Groups {
		if !pattern.MatchString(g) {
			groups = append(groups, g)
		}
	}
	if err := x.SetUserGroups(user.UserId, groups); err != nil {
		return err
	}
	user.Groups = groups
	return nil
}

// DeleteAndCleanup removes a tutorial container and revokes every group
// under its name from every enrolled principal. Containers that are not
// tutorials are left alone.
func (x *Central) DeleteAndCleanup(container *Container) error {
	if !container.IsTutorial() {
		return nil
	}
	users, err := x.GetContainerUsers(container)
	if err != nil {
		return err
	}
	strip := regexp.MustCompile("^" + container.Name + ".*$")
	for _, user := range users {
		groups := []string{}
		for _, g := range user.Groups {
			if !strip.MatchString(g) {
				groups = append(groups, g)
			}
		}
		if eSave := x.SetUserGroups(user.UserId, groups); eSave != nil {
			return eSave
		}
	}
	if err := x.containerDB.Delete(container.Name); err != nil {
		return err
	}
	x.Auditor.AuditUserAction("", "Container: "+container.Name, "", AuditActionDeleted)
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Derived membership queries

func (x *Central) GetContainerStudents(container *Container) ([]*User, error) {
	return x.userStore.FindUsersByGroup("^" + container.Name + `\.student$`)
}

func (x *Central) GetContainerTAs(container *Container) ([]*User, error) {
	return x.userStore.FindUsersByGroup("^" + container.Name + `\.ta$`)
}

func (x *Central) GetContainerInstructors(container *Container) ([]*User, error) {
	return x.userStore.FindUsersByGroup("^" + container.Name + `\.instructor$`)
}

// GetContainerUsers retrieves every principal carrying any group under the
// container's name.
func (x *Central) GetContainerUsers(container *Container) ([]*User, error) {
	return x.userStore.FindUsersByGroup("^" + container.Name + ".*$")
}

// GetCoursesForUser resolves the courses the principal is enrolled in. A
// member of the literal "admin" group is considered enrolled in every
// course.
func (x *Central) GetCoursesForUser(user *User) ([]*Container, error) {
	courses, err := x.GetAllCourses()
	if err != nil {
		return nil, err
	}
	if user.IsAdmin() {
		return courses, nil
	}
	result := []*Container{}
	for _, course := range courses {
		pattern, ePat := regexp.Compile(course.Name)
		if ePat != nil {
			continue
		}
		for _, g := range user.Groups {
			if pattern.MatchString(g) {
				result = append(result, course)
				break
			}
		}
	}
	return result, nil
}

// GetCourseForUser resolves one enrolled course by its container ID.
func (x *Central) GetCourseForUser(user *User, courseId int64) (*Container, error) {
	courses, err := x.GetCoursesForUser(user)
	if err != nil {
		return nil, err
	}
	for _, course := range courses {
		if course.Id == courseId {
			return course, nil
		}
	}
	return nil, ErrCourseNotFound
}

// GetEnrolledTutorials resolves the tutorials of a course that the principal
// carries a group for.
func (x *Central) GetEnrolledTutorials(user *User, course *Container) ([]*Container, error) {
	tutorials, err := x.GetAllTutorials(course)
	if err != nil {
		return nil, err
	}
	result := []*Container{}
	for _, tutorial := range tutorials {
		pattern, ePat := regexp.Compile(tutorial.Name)
		if ePat != nil {
			continue
		}
		for _, g := range user.Groups {
			if pattern.MatchString(g) {
				result = append(result, tutorial)
				break
			}
		}
	}
	return result, nil
}

// TutorialNamesForCourse extracts the tutorial codes the principal is
// enrolled in for one course, from the principal's own group set.
func (x *Central) TutorialNamesForCourse(user *User, courseName string) []string {
	pattern := regexp.MustCompile("^" + courseName + `\.tutorial.*$`)
	tuts := []string{}
	for _, g := range user.Groups {
		if pattern.MatchString(g) {
			parts := strings.Split(g, ".")
			tuts = append(tuts, parts[len(parts)-1])
		}
	}
	return tuts
}

// HasTeachingAssistantRole tells you whether the principal carries a TA
// group on any container.
func HasTeachingAssistantRole(user *User) bool {
	for _, g := range user.Groups {
		if taGroup.MatchString(g) {
			return true
		}
	}
	return false
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Bulk import

// A CourseMemberEntry is one row of a bulk member import.
type CourseMemberEntry struct {
	Idp              string
	Username         string
	Password         string
	Role             string // "student" | "ta" | "instructor" | "tutorial.<code>.<role>"
	MissingBehaviour string // "create" or "ignore" when the principal does not exist yet
}

// AddCourseMembers runs a bulk membership import against a course. The
// import never aborts: each entry either succeeds or contributes an error
// line, and the accumulated log is returned for the operator to read.
//
// A "tutorial.<code>.<role>" entry grants both the tutorial-scoped group and
// the bare course role, creating the tutorial container on first use.
func (x *Central) AddCourseMembers(course *Container, entries []CourseMemberEntry) (string, error) {
	if !course.IsCourse() {
		return "", ErrCourseNotFound
	}
	report := fmt.Sprintf("Import finished, please see log below for more details.\n%v\n================================\n", time.Now().Format(time.RFC1123))
	for i, member := range entries {
		if member.Idp == "" || member.Username == "" || member.Role == "" || member.MissingBehaviour == "" {
			report += fmt.Sprintf("Invalid entry at line %v, missing required heading(s).\n", i)
			continue
		}
		user, eUser := x.userStore.GetUserByIdpUsername(member.Idp, member.Username)
		if eUser != nil {
			if member.MissingBehaviour == "ignore" {
				report += fmt.Sprintf("User indicated on line %v does not exist. And behaviour is set to ignore, skipping this record.\n", i)
				continue
			}
			user = &User{
				Idp:        member.Idp,
				Username:   member.Username,
				Groups:     []string{},
				Attributes: map[string]string{},
			}
			userId, eCreate := x.CreateUser(user, member.Password)
			if eCreate != nil {
				report += fmt.Sprintf("Failed to create user on line %v. [%v]\n", i, eCreate)
				continue
			}
			user.UserId = userId
			report += fmt.Sprintf("User indicated on line %v does not exist, created with ID %v.\n", i, userId)
		}
		if tutorialRoleSpec.MatchString(member.Role) {
			tutorialCode := strings.Split(member.Role, ".")[1]
			role := strings.Split(member.Role, ".")[2]
			tutorialName := course.Name + ".tutorial." + tutorialCode
			if _, eTut := x.containerDB.GetByName(tutorialName); eTut != nil {
				tutorial, eCreate := x.CreateContainer(tutorialName, "admin", "admin", "admin", map[string]string{
					contentKeyVersion:     "1",
					contentKeyName:        tutorialCode,
					contentKeyDisplayName: tutorialCode,
				})
				if eCreate != nil {
					report += fmt.Sprintf("Failed to create tutorial on line %v. [%v]\n", i, eCreate)
					continue
				}
				report += fmt.Sprintf("Tutorial indicated on line %v does not exist, created with ID %v.\n", i, tutorial.Id)
			}
			if eAdd := x.AddUserToContainer(user, course, member.Role); eAdd != nil {
				report += fmt.Sprintf("Failed to add role on line %v. [%v]\n", i, eAdd)
				continue
			}
			report += fmt.Sprintf("Role %v.%v added for %v.\n", course.Name, member.Role, user.ReadableId())
			if eAdd := x.AddUserToContainer(user, course, role); eAdd != nil {
				report += fmt.Sprintf("Failed to add role on line %v. [%v]\n", i, eAdd)
				continue
			}
			report += fmt.Sprintf("Role %v.%v added for %v.\n", course.Name, role, user.ReadableId())
		} else if courseRoleSpec.MatchString(member.Role) {
			if eAdd := x.AddUserToContainer(user, course, member.Role); eAdd != nil {
				report += fmt.Sprintf("Failed to add role on line %v. [%v]\n", i, eAdd)
				continue
			}
			report += fmt.Sprintf("Role %v.%v added for %v.\n", course.Name, member.Role, user.ReadableId())
		} else {
			report += fmt.Sprintf("[ERROR] Role on line %v is invalid [%v], skipping this addition.\n", i, member.Role)
		}
	}
	return report, nil
}
