package taxonomy

// Catalog is one taxonomy YAML file. Every section is optional.
type Catalog struct {
	Categories    []Category `yaml:"categories"`
	Sources       []string   `yaml:"sources"`
	ExerciseTypes []string   `yaml:"exercise_types"`
	Schools       []string   `yaml:"schools"`
}

// Category is a subject such as Math, with its majors and known exams.
type Category struct {
	Name   string  `yaml:"name"`
	Majors []Major `yaml:"majors"`
	Exams  []Exam  `yaml:"exams"`
}

// Major is a subdivision of a category (e.g., Algebra).
type Major struct {
	Name     string    `yaml:"name"`
	Chapters []Chapter `yaml:"chapters"`
}

// Chapter is a subdivision of a major. ExamGroups lists the exam groups
// filed under it.
type Chapter struct {
	Name       string   `yaml:"name"`
	ExamGroups []string `yaml:"exam_groups"`
}

// Exam is one exam sitting of a category.
type Exam struct {
	School   string `yaml:"school"`
	Time     string `yaml:"time"`
	Code     string `yaml:"code"`
	FullName string `yaml:"full_name"`
}

// Empty reports whether c declares nothing.
func (c Catalog) Empty() bool {
	return len(c.Categories) == 0 && len(c.Sources) == 0 && len(c.ExerciseTypes) == 0 && len(c.Schools) == 0
}
